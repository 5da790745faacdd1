package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/model"
)

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(&model.Party{ID: "buyer-1", Role: string(model.RoleBuyer), Verified: true})

	p, err := d.GetParty(context.Background(), "buyer-1")
	require.NoError(t, err)
	assert.True(t, p.Verified)

	_, err = d.GetParty(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrPartyNotFound)

	d.Open = true
	p, err = d.GetParty(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, p.Verified)
}

func TestHTTPDirectory(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/parties/coop-7":
			_, _ = w.Write([]byte(`{"id":"coop-7","role":"buyer","verified":true,"region":"central"}`))
		case "/parties/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := NewHTTPDirectory(srv.URL, time.Second, time.Minute, nil)
	ctx := context.Background()

	p, err := d.GetParty(ctx, "coop-7")
	require.NoError(t, err)
	assert.Equal(t, "central", p.Region)
	assert.True(t, p.Verified)

	_, err = d.GetParty(ctx, "coop-7")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second lookup served from cache")

	_, err = d.GetParty(ctx, "nobody")
	assert.ErrorIs(t, err, ErrPartyNotFound)

	_, err = d.GetParty(ctx, "broken")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, apperr.KindProvider, apperr.KindOf(err))
}
