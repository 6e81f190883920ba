package persist

import (
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EntityID is a ledger entity identifier in shard.realm.num form
type EntityID struct {
	Shard int64
	Realm int64
	Num   int64
}

// AccountID identifies a ledger account, e.g. 0.0.1234
type AccountID string

// TokenID identifies a ledger token class, e.g. 0.0.7242548
type TokenID string

// TokenRef identifies a single NFT as tokenID:serial, e.g. 0.0.7242548:12. The empty
// TokenRef represents a soul that has not been minted yet.
type TokenRef string

// Tinybar is an amount of the ledger's native currency, 1e-8 hbar
type Tinybar int64

// ErrInvalidEntityID is returned when a string is not a valid shard.realm.num identifier
type ErrInvalidEntityID struct {
	Value string
}

// ErrInvalidTokenRef is returned when a string is not a valid tokenID:serial reference
type ErrInvalidTokenRef struct {
	Value string
}

func (e ErrInvalidEntityID) Error() string {
	return fmt.Sprintf("invalid entity id: %q", e.Value)
}

func (e ErrInvalidTokenRef) Error() string {
	return fmt.Sprintf("invalid token ref: %q", e.Value)
}

// ParseEntityID parses a shard.realm.num string
func ParseEntityID(s string) (EntityID, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return EntityID{}, ErrInvalidEntityID{Value: s}
	}
	var nums [3]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return EntityID{}, ErrInvalidEntityID{Value: s}
		}
		nums[i] = n
	}
	if nums[0] > 0xFFFFFFFF {
		return EntityID{}, ErrInvalidEntityID{Value: s}
	}
	return EntityID{Shard: nums[0], Realm: nums[1], Num: nums[2]}, nil
}

// EntityIDFromAddress decodes a long-zero address back into an entity id
func EntityIDFromAddress(addr common.Address) EntityID {
	b := addr.Bytes()
	return EntityID{
		Shard: int64(binary.BigEndian.Uint32(b[0:4])),
		Realm: int64(binary.BigEndian.Uint64(b[4:12])),
		Num:   int64(binary.BigEndian.Uint64(b[12:20])),
	}
}

func (e EntityID) String() string {
	return fmt.Sprintf("%d.%d.%d", e.Shard, e.Realm, e.Num)
}

// Address returns the fixed-width 20 byte "long-zero" address of the entity: 4 bytes of shard,
// 8 bytes of realm and 8 bytes of num, big-endian
func (e EntityID) Address() common.Address {
	var b [20]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(e.Shard))
	binary.BigEndian.PutUint64(b[4:12], uint64(e.Realm))
	binary.BigEndian.PutUint64(b[12:20], uint64(e.Num))
	return common.BytesToAddress(b[:])
}

// AccountIDFromAddress converts a long-zero address into an account id
func AccountIDFromAddress(addr common.Address) AccountID {
	return AccountID(EntityIDFromAddress(addr).String())
}

func (a AccountID) String() string {
	return string(a)
}

// Valid returns true if the account id is a well formed shard.realm.num string
func (a AccountID) Valid() bool {
	_, err := ParseEntityID(a.String())
	return err == nil
}

// Address returns the long-zero address of the account
func (a AccountID) Address() (common.Address, error) {
	e, err := ParseEntityID(a.String())
	if err != nil {
		return common.Address{}, err
	}
	return e.Address(), nil
}

// Value implements the driver.Valuer interface for the AccountID type
func (a AccountID) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements the sql.Scanner interface for the AccountID type
func (a *AccountID) Scan(i interface{}) error {
	if i == nil {
		*a = ""
		return nil
	}
	switch v := i.(type) {
	case string:
		*a = AccountID(v)
	case []byte:
		*a = AccountID(string(v))
	default:
		return fmt.Errorf("invalid account id: %v - %T", i, i)
	}
	return nil
}

func (t TokenID) String() string {
	return string(t)
}

// Address returns the long-zero address of the token's contract facade
func (t TokenID) Address() (common.Address, error) {
	e, err := ParseEntityID(t.String())
	if err != nil {
		return common.Address{}, err
	}
	return e.Address(), nil
}

// NewTokenRef creates a token ref from a token id and a serial number
func NewTokenRef(tokenID TokenID, serial int64) TokenRef {
	return TokenRef(fmt.Sprintf("%s:%d", tokenID, serial))
}

func (r TokenRef) String() string {
	return string(r)
}

// IsMinted returns true if the ref points at an existing serial
func (r TokenRef) IsMinted() bool {
	return r != ""
}

// GetParts returns the token id and serial number of the ref
func (r TokenRef) GetParts() (TokenID, int64, error) {
	parts := strings.Split(r.String(), ":")
	if len(parts) != 2 {
		return "", 0, ErrInvalidTokenRef{Value: r.String()}
	}
	if _, err := ParseEntityID(parts[0]); err != nil {
		return "", 0, ErrInvalidTokenRef{Value: r.String()}
	}
	serial, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || serial <= 0 {
		return "", 0, ErrInvalidTokenRef{Value: r.String()}
	}
	return TokenID(parts[0]), serial, nil
}

// Value implements the driver.Valuer interface for the TokenRef type. Unminted refs are stored as NULL.
func (r TokenRef) Value() (driver.Value, error) {
	if r == "" {
		return nil, nil
	}
	return r.String(), nil
}

// Scan implements the sql.Scanner interface for the TokenRef type
func (r *TokenRef) Scan(i interface{}) error {
	if i == nil {
		*r = ""
		return nil
	}
	switch v := i.(type) {
	case string:
		*r = TokenRef(v)
	case []byte:
		*r = TokenRef(string(v))
	default:
		return fmt.Errorf("invalid token ref: %v - %T", i, i)
	}
	return nil
}

func (t Tinybar) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// UnmarshalJSON accepts both numbers and numeric strings
func (t *Tinybar) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*t = Tinybar(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*t = Tinybar(n)
	return nil
}
