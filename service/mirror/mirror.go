// Package mirror reads ledger state from a mirror node, the indexer the reconciliation
// engine uses to verify that ledger transactions took effect.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dreammarket/go-dreammarket/env"
	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/persist"
	"github.com/dreammarket/go-dreammarket/util"
)

// FreezeStatus of an account's relationship with a token
type FreezeStatus string

const (
	FreezeStatusFrozen        FreezeStatus = "FROZEN"
	FreezeStatusUnfrozen      FreezeStatus = "UNFROZEN"
	FreezeStatusNotApplicable FreezeStatus = "NOT_APPLICABLE"
)

// maxPages bounds paginated history reads
const maxPages = 20

// NFT is a single serial as reported by the mirror node
type NFT struct {
	AccountID         persist.AccountID `json:"account_id"`
	Deleted           bool              `json:"deleted"`
	Metadata          string            `json:"metadata"`
	SerialNumber      int64             `json:"serial_number"`
	SpenderID         persist.AccountID `json:"spender"`
	TokenID           persist.TokenID   `json:"token_id"`
	CreatedTimestamp  string            `json:"created_timestamp"`
	ModifiedTimestamp string            `json:"modified_timestamp"`
}

// TokenRelationship is an account's association with a token
type TokenRelationship struct {
	TokenID      persist.TokenID `json:"token_id"`
	Balance      int64           `json:"balance"`
	FreezeStatus FreezeStatus    `json:"freeze_status"`
	Automatic    bool            `json:"automatic_association"`
}

// NFTTransaction is an ownership change of a serial
type NFTTransaction struct {
	ConsensusTimestamp string            `json:"consensus_timestamp"`
	TransactionID      string            `json:"transaction_id"`
	Type               string            `json:"type"`
	SenderAccountID    persist.AccountID `json:"sender_account_id"`
	ReceiverAccountID  persist.AccountID `json:"receiver_account_id"`
	IsApproval         bool              `json:"is_approval"`
}

type links struct {
	Next string `json:"next"`
}

type getTokenRelationshipsResponse struct {
	Tokens []TokenRelationship `json:"tokens"`
	Links  links               `json:"links"`
}

type getNFTTransactionsResponse struct {
	Transactions []NFTTransaction `json:"transactions"`
	Links        links            `json:"links"`
}

// ErrNFTNotFound is returned when the mirror node has no record of a serial
type ErrNFTNotFound struct {
	Ref persist.TokenRef
}

// ErrAccountNotFound is returned when the mirror node has no record of an account
type ErrAccountNotFound struct {
	Account persist.AccountID
}

// ErrUnexpectedStatus is returned for non-2xx responses the client does not interpret
type ErrUnexpectedStatus struct {
	StatusCode int
	URL        string
	Err        error
}

func (e ErrNFTNotFound) Error() string {
	return fmt.Sprintf("nft not found on mirror node: %s", e.Ref)
}

func (e ErrAccountNotFound) Error() string {
	return fmt.Sprintf("account not found on mirror node: %s", e.Account)
}

func (e ErrUnexpectedStatus) Error() string {
	return fmt.Sprintf("unexpected mirror node response %d (url: %s): %s", e.StatusCode, e.URL, e.Err)
}

func (e ErrUnexpectedStatus) Unwrap() error {
	return e.Err
}

// Transient returns true if the request may succeed later
func (e ErrUnexpectedStatus) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client reads from the mirror node REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new mirror node client
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// NewClientFromEnv creates a client for the mirror node configured by MIRROR_NODE_URL
func NewClientFromEnv(httpClient *http.Client) *Client {
	baseURL := env.GetString("MIRROR_NODE_URL")
	if baseURL == "" {
		panic("no mirror node url set")
	}
	return NewClient(baseURL, httpClient)
}

// GetNFT returns the mirror node's view of a serial
func (c *Client) GetNFT(ctx context.Context, ref persist.TokenRef) (NFT, error) {
	tokenID, serial, err := ref.GetParts()
	if err != nil {
		return NFT{}, err
	}

	var nft NFT
	err = c.get(ctx, fmt.Sprintf("/api/v1/tokens/%s/nfts/%d", tokenID, serial), &nft)
	if status, ok := err.(ErrUnexpectedStatus); ok && status.StatusCode == http.StatusNotFound {
		return NFT{}, ErrNFTNotFound{Ref: ref}
	}
	if err != nil {
		return NFT{}, err
	}
	return nft, nil
}

// OwnerOf returns the current owner of a serial. Burned serials are reported as not found.
func (c *Client) OwnerOf(ctx context.Context, ref persist.TokenRef) (persist.AccountID, error) {
	nft, err := c.GetNFT(ctx, ref)
	if err != nil {
		return "", err
	}
	if nft.Deleted {
		return "", ErrNFTNotFound{Ref: ref}
	}
	return nft.AccountID, nil
}

// TokenRelationship returns the account's relationship with a token. The bool is false when
// the account is not associated.
func (c *Client) TokenRelationship(ctx context.Context, account persist.AccountID, token persist.TokenID) (TokenRelationship, bool, error) {
	var resp getTokenRelationshipsResponse
	q := url.Values{"token.id": []string{token.String()}}
	err := c.get(ctx, fmt.Sprintf("/api/v1/accounts/%s/tokens?%s", account, q.Encode()), &resp)
	if status, ok := err.(ErrUnexpectedStatus); ok && status.StatusCode == http.StatusNotFound {
		return TokenRelationship{}, false, ErrAccountNotFound{Account: account}
	}
	if err != nil {
		return TokenRelationship{}, false, err
	}

	for _, rel := range resp.Tokens {
		if rel.TokenID == token {
			return rel, true, nil
		}
	}
	return TokenRelationship{}, false, nil
}

// IsAssociated returns true if the account is associated with the token
func (c *Client) IsAssociated(ctx context.Context, account persist.AccountID, token persist.TokenID) (bool, error) {
	_, associated, err := c.TokenRelationship(ctx, account, token)
	return associated, err
}

// NFTTransactions returns the ownership history of a serial, newest first
func (c *Client) NFTTransactions(ctx context.Context, ref persist.TokenRef) ([]NFTTransaction, error) {
	tokenID, serial, err := ref.GetParts()
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/api/v1/tokens/%s/nfts/%d/transactions", tokenID, serial)
	result := []NFTTransaction{}

	for page := 0; path != "" && page < maxPages; page++ {
		var resp getNFTTransactionsResponse
		err := c.get(ctx, path, &resp)
		if status, ok := err.(ErrUnexpectedStatus); ok && status.StatusCode == http.StatusNotFound {
			return nil, ErrNFTNotFound{Ref: ref}
		}
		if err != nil {
			return nil, err
		}
		result = append(result, resp.Transactions...)
		path = resp.Links.Next
	}

	logger.For(ctx).Debugf("got %d mirror transactions for %s", len(result), ref)
	return result, nil
}

// TransferObserved reports whether the history of ref holds the transaction txRef with receiver
// as the receiving account. txRef may use either the account@seconds.nanos or the
// account-seconds-nanos form.
func (c *Client) TransferObserved(ctx context.Context, ref persist.TokenRef, txRef string, receiver persist.AccountID) (bool, error) {
	want := NormalizeTransactionID(txRef)
	if want == "" {
		return false, nil
	}
	txs, err := c.NFTTransactions(ctx, ref)
	if err != nil {
		return false, err
	}
	for _, tx := range txs {
		if NormalizeTransactionID(tx.TransactionID) == want && tx.ReceiverAccountID == receiver {
			return true, nil
		}
	}
	return false, nil
}

// NormalizeTransactionID rewrites a transaction id into the account-seconds-nanos form the
// mirror node uses in its responses
func NormalizeTransactionID(id string) string {
	id = strings.TrimSpace(id)
	account, validStart, ok := strings.Cut(id, "@")
	if !ok {
		return id
	}
	return account + "-" + strings.Replace(validStart, ".", "-", 1)
}

func (c *Client) get(ctx context.Context, path string, into interface{}) error {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrUnexpectedStatus{StatusCode: resp.StatusCode, URL: u, Err: util.GetErrFromResp(resp)}
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode response: %w (%s)", err, u)
	}
	return nil
}
