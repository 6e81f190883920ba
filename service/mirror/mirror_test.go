package mirror

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreammarket/go-dreammarket/service/persist"
)

func newTestServer(t *testing.T, routes map[string]string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.RequestURI()]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"_status":{"messages":[{"message":"Not found"}]}}`)
			return
		}
		if body == "500" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", srv.Client())
}

func TestOwnerOf(t *testing.T) {
	c := newTestServer(t, map[string]string{
		"/api/v1/tokens/0.0.5005/nfts/3": `{"account_id":"0.0.2002","deleted":false,"serial_number":3,"token_id":"0.0.5005","metadata":"aXBmczovL3NvdWw="}`,
		"/api/v1/tokens/0.0.5005/nfts/4": `{"account_id":null,"deleted":true,"serial_number":4,"token_id":"0.0.5005"}`,
	})
	ctx := context.Background()

	owner, err := c.OwnerOf(ctx, persist.NewTokenRef("0.0.5005", 3))
	require.NoError(t, err)
	assert.Equal(t, persist.AccountID("0.0.2002"), owner)

	nft, err := c.GetNFT(ctx, persist.NewTokenRef("0.0.5005", 3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), nft.SerialNumber)
	assert.Equal(t, "aXBmczovL3NvdWw=", nft.Metadata)

	_, err = c.OwnerOf(ctx, persist.NewTokenRef("0.0.5005", 4))
	assert.ErrorAs(t, err, &ErrNFTNotFound{})

	_, err = c.OwnerOf(ctx, persist.NewTokenRef("0.0.5005", 99))
	assert.ErrorAs(t, err, &ErrNFTNotFound{})
}

func TestServerErrorsAreTransient(t *testing.T) {
	c := newTestServer(t, map[string]string{
		"/api/v1/tokens/0.0.5005/nfts/3": "500",
	})
	_, err := c.OwnerOf(context.Background(), persist.NewTokenRef("0.0.5005", 3))
	var status ErrUnexpectedStatus
	require.ErrorAs(t, err, &status)
	assert.True(t, status.Transient())
}

func TestTokenRelationship(t *testing.T) {
	c := newTestServer(t, map[string]string{
		"/api/v1/accounts/0.0.2002/tokens?token.id=0.0.5005": `{"tokens":[{"token_id":"0.0.5005","balance":1,"freeze_status":"FROZEN","automatic_association":false}],"links":{"next":null}}`,
		"/api/v1/accounts/0.0.3003/tokens?token.id=0.0.5005": `{"tokens":[],"links":{"next":null}}`,
	})
	ctx := context.Background()

	rel, ok, err := c.TokenRelationship(ctx, "0.0.2002", "0.0.5005")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, FreezeStatusFrozen, rel.FreezeStatus)

	associated, err := c.IsAssociated(ctx, "0.0.3003", "0.0.5005")
	require.NoError(t, err)
	assert.False(t, associated)

	_, err = c.IsAssociated(ctx, "0.0.4004", "0.0.5005")
	assert.ErrorAs(t, err, &ErrAccountNotFound{})
}

func TestNFTTransactionsFollowsPages(t *testing.T) {
	c := newTestServer(t, map[string]string{
		"/api/v1/tokens/0.0.5005/nfts/3/transactions":                `{"transactions":[{"transaction_id":"0.0.1001-2","type":"CRYPTOTRANSFER","sender_account_id":"0.0.1001","receiver_account_id":"0.0.2002"}],"links":{"next":"/api/v1/tokens/0.0.5005/nfts/3/transactions?timestamp=lt:1"}}`,
		"/api/v1/tokens/0.0.5005/nfts/3/transactions?timestamp=lt:1": `{"transactions":[{"transaction_id":"0.0.1001-1","type":"TOKENMINT","sender_account_id":null,"receiver_account_id":"0.0.1001"}],"links":{"next":null}}`,
	})

	txs, err := c.NFTTransactions(context.Background(), persist.NewTokenRef("0.0.5005", 3))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, persist.AccountID("0.0.2002"), txs[0].ReceiverAccountID)
	assert.Equal(t, "TOKENMINT", txs[1].Type)
}

func TestTransferObserved(t *testing.T) {
	c := newTestServer(t, map[string]string{
		"/api/v1/tokens/0.0.5005/nfts/3/transactions": `{"transactions":[{"transaction_id":"0.0.3003-1700000000-000000042","type":"CRYPTOTRANSFER","sender_account_id":"0.0.1001","receiver_account_id":"0.0.3003"},{"transaction_id":"0.0.1001-1690000000-000000001","type":"TOKENMINT","sender_account_id":null,"receiver_account_id":"0.0.1001"}],"links":{"next":null}}`,
	})
	ctx := context.Background()
	ref := persist.NewTokenRef("0.0.5005", 3)

	seen, err := c.TransferObserved(ctx, ref, "0.0.3003@1700000000.000000042", "0.0.3003")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = c.TransferObserved(ctx, ref, "0.0.3003-1700000000-000000042", "0.0.3003")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = c.TransferObserved(ctx, ref, "0.0.3003@1700000000.000000042", "0.0.4004")
	require.NoError(t, err)
	assert.False(t, seen, "the receiver must match")

	seen, err = c.TransferObserved(ctx, ref, "0.0.3003@1700000001.000000000", "0.0.3003")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = c.TransferObserved(ctx, ref, "  ", "0.0.3003")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = c.TransferObserved(ctx, persist.NewTokenRef("0.0.5005", 9), "0.0.3003@1700000000.000000042", "0.0.3003")
	assert.ErrorAs(t, err, &ErrNFTNotFound{})
}

func TestNormalizeTransactionID(t *testing.T) {
	tests := map[string]string{
		"0.0.3003@1700000000.000000042":   "0.0.3003-1700000000-000000042",
		" 0.0.3003@1700000000.000000042 ": "0.0.3003-1700000000-000000042",
		"0.0.3003-1700000000-000000042":   "0.0.3003-1700000000-000000042",
		"":                                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeTransactionID(in), in)
	}
}
