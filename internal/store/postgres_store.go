package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/harvestmart/internal/model"
)

// PostgresStore persists marketplace data in PostgreSQL. Schema lives in
// the goose migrations under /migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	listingColumns = `id, producer_id, commodity, unit, quantity, remaining, settled,
		ask_price, currency, quality, region, lat, lon, harvested_at,
		requires_verified_buyer, status, expires_at, version, created_at, updated_at`

	offerColumns = `id, listing_id, bidder_id, producer_id, proposed_by, quantity, price,
		currency, status, parent_offer_id, countered_by_id, renegotiation_required,
		message, contract_id, expires_at, version, created_at, updated_at`

	contractColumns = `id, listing_id, offer_id, buyer_id, producer_id, commodity,
		quantity, unit_price, currency, total, deposit_fraction, deposit_required,
		fee_rate, status, delivery, dispute, charge, charge_attempts, confirm_by,
		cancel_reason, history, version, created_at, updated_at`

	entryColumns = `id, contract_id, direction, kind, amount, currency, party_id,
		provider, external_ref, idempotency_key, created_at`
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// --- Reader ---

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return getListing(ctx, p.db, id, false)
}

func (p *PostgresStore) ListListings(ctx context.Context, f ListingFilter) ([]*model.Listing, error) {
	var after sql.NullTime
	var afterID string
	if f.After != nil {
		after = sql.NullTime{Time: f.After.CreatedAt, Valid: true}
		afterID = f.After.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE ($1 = '' OR LOWER(commodity) = LOWER($1))
		  AND ($2 = '' OR LOWER(region) = LOWER($2))
		  AND ($3 = '' OR producer_id = $3)
		  AND ($4 = '' OR status = $4)
		  AND ($6::timestamptz IS NULL OR (created_at, id) < ($6, $7))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`,
		f.Commodity, f.Region, f.ProducerID, string(f.Status), clampLimit(f.Limit, 50, 201),
		after, afterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanListings(rows)
}

func (p *PostgresStore) ListExpiredListings(ctx context.Context, before time.Time, limit int) ([]*model.Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE status = 'open' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanListings(rows)
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	return getOffer(ctx, p.db, id, false)
}

func (p *PostgresStore) ListOffersByListing(ctx context.Context, listingID string) ([]*model.Offer, error) {
	return listOffersByListing(ctx, p.db, listingID)
}

func (p *PostgresStore) ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]*model.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

func (p *PostgresStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	return getContract(ctx, p.db, id, false)
}

func (p *PostgresStore) ListContractsByParty(ctx context.Context, partyID string, limit int) ([]*model.Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE buyer_id = $1 OR producer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, clampLimit(limit, 50, 200))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanContracts(rows)
}

func (p *PostgresStore) ListContractsByStatus(ctx context.Context, status model.ContractStatus, limit int) ([]*model.Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`, string(status), clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanContracts(rows)
}

func (p *PostgresStore) ListConfirmationOverdue(ctx context.Context, before time.Time, limit int) ([]*model.Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE status = 'awaiting_confirmation' AND confirm_by IS NOT NULL AND confirm_by <= $1
		ORDER BY confirm_by ASC
		LIMIT $2`, before, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanContracts(rows)
}

func (p *PostgresStore) ListEntries(ctx context.Context, contractID string) ([]*model.LedgerEntry, error) {
	return listEntries(ctx, p.db, contractID)
}

func (p *PostgresStore) ListQuarantined(ctx context.Context, limit int) ([]*model.QuarantinedEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, provider, reason, payload, received_at
		FROM quarantined_events
		ORDER BY received_at DESC
		LIMIT $1`, clampLimit(limit, 50, 200))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*model.QuarantinedEvent
	for rows.Next() {
		q := &model.QuarantinedEvent{}
		if err := rows.Scan(&q.ID, &q.Provider, &q.Reason, &q.Payload, &q.ReceivedAt); err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Quarantine(ctx context.Context, q *model.QuarantinedEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO quarantined_events (id, provider, reason, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		q.ID, q.Provider, q.Reason, q.Payload, q.ReceivedAt)
	return err
}

// --- Units of work ---

// Atomic runs fn in a READ COMMITTED transaction. Row locks taken by the
// Tx getters plus version checks on every update give per-entity
// serializability without serializing unrelated entities.
func (p *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return getListing(ctx, t.tx, id, true)
}

func (t *pgTx) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	return getOffer(ctx, t.tx, id, true)
}

func (t *pgTx) ListOffersByListing(ctx context.Context, listingID string) ([]*model.Offer, error) {
	return listOffersByListing(ctx, t.tx, listingID)
}

func (t *pgTx) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	return getContract(ctx, t.tx, id, true)
}

func (t *pgTx) ListEntries(ctx context.Context, contractID string) ([]*model.LedgerEntry, error) {
	return listEntries(ctx, t.tx, contractID)
}

func (t *pgTx) HasEntry(ctx context.Context, provider, externalRef string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE provider = $1 AND external_ref = $2)`,
		provider, externalRef).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreateListing(ctx context.Context, l *model.Listing) error {
	quality, err := json.Marshal(l.Quality)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		l.ID, l.ProducerID, l.Commodity, l.Unit, l.Quantity, l.Remaining, l.Settled,
		l.AskPrice, l.Currency, quality, l.Location.Region, l.Location.Lat, l.Location.Lon,
		nullTime(l.HarvestedAt), l.RequiresVerifiedBuyer, string(l.Status), nullTime(l.ExpiresAt),
		l.Version, l.CreatedAt, l.UpdatedAt,
	)
	return mapInsertErr(err)
}

func (t *pgTx) UpdateListing(ctx context.Context, l *model.Listing) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE listings SET
			remaining = $1, settled = $2, status = $3, expires_at = $4,
			updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`,
		l.Remaining, l.Settled, string(l.Status), nullTime(l.ExpiresAt),
		l.UpdatedAt, l.ID, l.Version,
	)
	if err := casResult(result, err); err != nil {
		return err
	}
	l.Version++
	return nil
}

func (t *pgTx) CreateOffer(ctx context.Context, o *model.Offer) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		o.ID, o.ListingID, o.BidderID, o.ProducerID, string(o.ProposedBy), o.Quantity, o.Price,
		o.Currency, string(o.Status), nullStr(o.ParentOfferID), nullStr(o.CounteredByID),
		o.RenegotiationRequired, nullStr(o.Message), nullStr(o.ContractID), o.ExpiresAt,
		o.Version, o.CreatedAt, o.UpdatedAt,
	)
	return mapInsertErr(err)
}

func (t *pgTx) UpdateOffer(ctx context.Context, o *model.Offer) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE offers SET
			status = $1, countered_by_id = $2, renegotiation_required = $3,
			contract_id = $4, updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`,
		string(o.Status), nullStr(o.CounteredByID), o.RenegotiationRequired,
		nullStr(o.ContractID), o.UpdatedAt, o.ID, o.Version,
	)
	if err := casResult(result, err); err != nil {
		return err
	}
	o.Version++
	return nil
}

func (t *pgTx) CreateContract(ctx context.Context, c *model.Contract) error {
	delivery, dispute, charge, history, err := contractJSON(c)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		c.ID, c.ListingID, c.OfferID, c.BuyerID, c.ProducerID, c.Commodity,
		c.Quantity, c.UnitPrice, c.Currency, c.Total, c.DepositFraction, c.DepositRequired,
		c.FeeRate, string(c.Status), delivery, dispute, charge, c.ChargeAttempts, nullTime(c.ConfirmBy),
		nullStr(c.CancelReason), history, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	return mapInsertErr(err)
}

func (t *pgTx) UpdateContract(ctx context.Context, c *model.Contract) error {
	delivery, dispute, charge, history, err := contractJSON(c)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE contracts SET
			status = $1, delivery = $2, dispute = $3, charge = $4, charge_attempts = $5,
			confirm_by = $6, cancel_reason = $7, history = $8, updated_at = $9,
			version = version + 1
		WHERE id = $10 AND version = $11`,
		string(c.Status), delivery, dispute, charge, c.ChargeAttempts,
		nullTime(c.ConfirmBy), nullStr(c.CancelReason), history, c.UpdatedAt,
		c.ID, c.Version,
	)
	if err := casResult(result, err); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.ContractID, string(e.Direction), string(e.Kind), e.Amount, e.Currency,
		nullStr(e.PartyID), e.Provider, e.ExternalRef, nullStr(e.IdempotencyKey), e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEntry
	}
	return err
}

// --- Shared queries ---

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func getListing(ctx context.Context, q querier, id string, forUpdate bool) (*model.Listing, error) {
	row := q.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`+lockClause(forUpdate), id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func getOffer(ctx context.Context, q querier, id string, forUpdate bool) (*model.Offer, error) {
	row := q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`+lockClause(forUpdate), id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func getContract(ctx context.Context, q querier, id string, forUpdate bool) (*model.Contract, error) {
	row := q.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`+lockClause(forUpdate), id)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func listOffersByListing(ctx context.Context, q querier, listingID string) ([]*model.Offer, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE listing_id = $1
		ORDER BY created_at ASC, id ASC`, listingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

func listEntries(ctx context.Context, q querier, contractID string) ([]*model.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE contract_id = $1
		ORDER BY created_at ASC, id ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*model.LedgerEntry
	for rows.Next() {
		e := &model.LedgerEntry{}
		var direction, kind string
		var party, idemKey sql.NullString
		if err := rows.Scan(&e.ID, &e.ContractID, &direction, &kind, &e.Amount, &e.Currency,
			&party, &e.Provider, &e.ExternalRef, &idemKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Direction = model.Direction(direction)
		e.Kind = model.EntryKind(kind)
		e.PartyID = party.String
		e.IdempotencyKey = idemKey.String
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- Scanners ---

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(row scanner) (*model.Listing, error) {
	l := &model.Listing{}
	var status string
	var quality []byte
	var harvested, expires sql.NullTime
	err := row.Scan(&l.ID, &l.ProducerID, &l.Commodity, &l.Unit, &l.Quantity, &l.Remaining, &l.Settled,
		&l.AskPrice, &l.Currency, &quality, &l.Location.Region, &l.Location.Lat, &l.Location.Lon,
		&harvested, &l.RequiresVerifiedBuyer, &status, &expires, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = model.ListingStatus(status)
	l.HarvestedAt = timePtr(harvested)
	l.ExpiresAt = timePtr(expires)
	if len(quality) > 0 {
		if err := json.Unmarshal(quality, &l.Quality); err != nil {
			return nil, fmt.Errorf("listing %s quality: %w", l.ID, err)
		}
	}
	return l, nil
}

func scanListings(rows *sql.Rows) ([]*model.Listing, error) {
	var result []*model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func scanOffer(row scanner) (*model.Offer, error) {
	o := &model.Offer{}
	var proposedBy, status string
	var parent, counteredBy, message, contractID sql.NullString
	err := row.Scan(&o.ID, &o.ListingID, &o.BidderID, &o.ProducerID, &proposedBy, &o.Quantity, &o.Price,
		&o.Currency, &status, &parent, &counteredBy, &o.RenegotiationRequired,
		&message, &contractID, &o.ExpiresAt, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.ProposedBy = model.Role(proposedBy)
	o.Status = model.OfferStatus(status)
	o.ParentOfferID = parent.String
	o.CounteredByID = counteredBy.String
	o.Message = message.String
	o.ContractID = contractID.String
	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*model.Offer, error) {
	var result []*model.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanContract(row scanner) (*model.Contract, error) {
	c := &model.Contract{}
	var status string
	var delivery, dispute, charge, history []byte
	var confirmBy sql.NullTime
	var cancelReason sql.NullString
	err := row.Scan(&c.ID, &c.ListingID, &c.OfferID, &c.BuyerID, &c.ProducerID, &c.Commodity,
		&c.Quantity, &c.UnitPrice, &c.Currency, &c.Total, &c.DepositFraction, &c.DepositRequired,
		&c.FeeRate, &status, &delivery, &dispute, &charge, &c.ChargeAttempts, &confirmBy,
		&cancelReason, &history, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.ContractStatus(status)
	c.ConfirmBy = timePtr(confirmBy)
	c.CancelReason = cancelReason.String

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{delivery, &c.Delivery},
		{dispute, &c.Dispute},
		{charge, &c.Charge},
		{history, &c.History},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func scanContracts(rows *sql.Rows) ([]*model.Contract, error) {
	var result []*model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- Helpers ---

func contractJSON(c *model.Contract) (delivery, dispute, charge, history []byte, err error) {
	if delivery, err = json.Marshal(c.Delivery); err != nil {
		return
	}
	if dispute, err = json.Marshal(c.Dispute); err != nil {
		return
	}
	if charge, err = json.Marshal(c.Charge); err != nil {
		return
	}
	history, err = json.Marshal(c.History)
	return
}

func casResult(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

func mapInsertErr(err error) error {
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
