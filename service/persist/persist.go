package persist

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/segmentio/ksuid"
)

// DBID represents a database ID
type DBID string

// CreationTime represents the time a record was created
type CreationTime time.Time

// LastUpdatedTime represents the time a record was last updated
type LastUpdatedTime time.Time

// StringList is a list of strings stored as a postgres text array
type StringList []string

// GenerateID generates a application-wide unique ID
func GenerateID() DBID {
	id, err := ksuid.NewRandom()
	if err != nil {
		panic(err)
	}
	return DBID(id.String())
}

func (d DBID) String() string {
	return string(d)
}

// Value implements the driver.Valuer interface for the DBID type
func (d DBID) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan implements the sql.Scanner interface for the DBID type
func (d *DBID) Scan(i interface{}) error {
	if i == nil {
		*d = DBID("")
		return nil
	}
	switch v := i.(type) {
	case string:
		*d = DBID(v)
	case []byte:
		*d = DBID(string(v))
	default:
		return fmt.Errorf("invalid DBID: %v - %T", i, i)
	}
	return nil
}

func (l StringList) Value() (driver.Value, error) {
	return pq.StringArray(l).Value()
}

// Scan implements the Scanner interface for the StringList type
func (l *StringList) Scan(value interface{}) error {
	arr := pq.StringArray{}
	if err := arr.Scan(value); err != nil {
		return err
	}
	*l = StringList(arr)
	return nil
}

// Time returns the time.Time representation of the CreationTime
func (c CreationTime) Time() time.Time {
	return time.Time(c)
}

// Value implements the driver.Valuer interface for the CreationTime type
func (c CreationTime) Value() (driver.Value, error) {
	if time.Time(c).IsZero() {
		return time.Now().UTC(), nil
	}
	return time.Time(c).UTC(), nil
}

// Scan implements the sql.Scanner interface for the CreationTime type
func (c *CreationTime) Scan(i interface{}) error {
	if i == nil {
		*c = CreationTime{}
		return nil
	}
	t, ok := i.(time.Time)
	if !ok {
		return fmt.Errorf("invalid creation time: %v - %T", i, i)
	}
	*c = CreationTime(t)
	return nil
}

// Time returns the time.Time representation of the LastUpdatedTime
func (l LastUpdatedTime) Time() time.Time {
	return time.Time(l)
}

// Value implements the driver.Valuer interface for the LastUpdatedTime type
func (l LastUpdatedTime) Value() (driver.Value, error) {
	return time.Now().UTC(), nil
}

// Scan implements the sql.Scanner interface for the LastUpdatedTime type
func (l *LastUpdatedTime) Scan(i interface{}) error {
	if i == nil {
		*l = LastUpdatedTime{}
		return nil
	}
	t, ok := i.(time.Time)
	if !ok {
		return fmt.Errorf("invalid last updated time: %v - %T", i, i)
	}
	*l = LastUpdatedTime(t)
	return nil
}

func NullTimeToTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// IsUniqueViolation reports whether err is a postgres unique constraint violation on the given constraint.
// An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || strings.EqualFold(pqErr.Constraint, constraint)
}
