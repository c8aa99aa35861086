package basic

import (
	"time"

	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// Timestamps are microseconds since 2000-01-01 00:00:00 UTC, stored as a
// signed 8-byte integer.
var timestampEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const timestampLayout = "2006-01-02 15:04:05.999999"

type TimestampValue struct {
	micros int64
}

func NewTimestampValue(t time.Time) Value {
	return &TimestampValue{micros: t.Sub(timestampEpoch).Microseconds()}
}

func NewTimestampValueFromMicros(micros int64) Value {
	return &TimestampValue{micros: micros}
}

// NewTimestampValueFromString accepts "YYYY-MM-DD hh:mm:ss[.ffffff]" with an
// optional "T" separator and an optional trailing zone offset. A bare date is
// taken as midnight UTC.
func NewTimestampValueFromString(s string) (Value, error) {
	layouts := []string{
		timestampLayout,
		"2006-01-02T15:04:05.999999",
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999-07",
		"2006-01-02",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return NewTimestampValue(t.UTC()), nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (v *TimestampValue) DataType() ValType { return TimestampVal }
func (v *TimestampValue) IsNull() bool      { return false }
func (v *TimestampValue) Raw() interface{}  { return v.micros }

func (v *TimestampValue) Micros() int64 { return v.micros }

func (v *TimestampValue) Time() time.Time {
	return timestampEpoch.Add(time.Duration(v.micros) * time.Microsecond)
}

func (v *TimestampValue) ToByte() []byte {
	return util.ConvertLong8Bytes(v.micros)
}

func (v *TimestampValue) ToString() string {
	return v.Time().Format(timestampLayout)
}

func (v *TimestampValue) Compare(x Value) (int, error) {
	o, ok := x.(*TimestampValue)
	if !ok {
		return 0, compareTypeMismatch(TimestampVal, x)
	}
	switch {
	case v.micros < o.micros:
		return -1, nil
	case v.micros > o.micros:
		return 1, nil
	}
	return 0, nil
}
