package source

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/piex/transcode"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
)

// decodeField turns raw input bytes into a UTF-8 string, converting from
// the configured input encoding when there is one.
func decodeField(raw []byte, encoding string) string {
	switch encoding {
	case "", "UTF8", "UTF-8":
		return string(raw)
	}
	return transcode.FromByteArray(raw).Decode(encoding).ToString()
}

// discardLine eats bytes through the next newline. io.EOF comes back bare.
func discardLine(r *bufio.Reader) error {
	for {
		c, err := r.ReadByte()
		if err != nil {
			return err
		}
		if c == '\n' {
			return nil
		}
	}
}

// ParseColumn converts one textual field into the column's value type. NULL
// handling happens in the record builders; this only sees real values.
func ParseColumn(col catalog.Column, s string) (basic.Value, error) {
	switch col.Type {
	case basic.BoolVal:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "t", "true", "y", "yes", "on", "1":
			return basic.NewBoolValue(true), nil
		case "f", "false", "n", "no", "off", "0":
			return basic.NewBoolValue(false), nil
		}
		return nil, errors.Errorf("bad bool %q", s)
	case basic.Int4Val:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, errors.Errorf("bad int4 %q", s)
		}
		return basic.NewInt4Value(int32(n)), nil
	case basic.Int8Val:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, errors.Errorf("bad int8 %q", s)
		}
		return basic.NewInt8Value(n), nil
	case basic.Float8Val:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, errors.Errorf("bad float8 %q", s)
		}
		return basic.NewFloat8Value(f), nil
	case basic.TextVal:
		return basic.NewTextValue(s), nil
	case basic.ByteaVal:
		if strings.HasPrefix(s, `\x`) {
			raw, err := hex.DecodeString(s[2:])
			if err != nil {
				return nil, errors.Errorf("bad bytea hex %q", s)
			}
			return basic.NewByteaValue(raw), nil
		}
		return basic.NewByteaValue([]byte(s)), nil
	case basic.NumericVal:
		v, err := basic.NewNumericValueFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Errorf("bad numeric %q", s)
		}
		return v, nil
	case basic.TimestampVal:
		v, err := basic.NewTimestampValueFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Errorf("bad timestamp %q", s)
		}
		return v, nil
	}
	return nil, errors.Errorf("column %s has unloadable type %s", col.Name, col.Type)
}

// buildRow types every field against the table definition. A mismatched
// field count, a failed conversion or a NOT NULL violation rejects the
// whole record as a RowError.
func buildRow(rel *catalog.Relation, line int64, fields []string, null []bool) (*basic.Row, error) {
	if len(fields) != len(rel.Columns) {
		return nil, &RowError{Line: line, Reason: fmt.Sprintf(
			"record has %d fields, table %s has %d columns", len(fields), rel.Name, len(rel.Columns))}
	}
	values := make([]basic.Value, len(fields))
	for i := range fields {
		col := rel.Columns[i]
		if null[i] {
			if col.NotNull {
				return nil, &RowError{Line: line, Column: col.Name, Reason: "null value in NOT NULL column"}
			}
			values[i] = basic.NewNullValue(col.Type)
			continue
		}
		v, err := ParseColumn(col, fields[i])
		if err != nil {
			return nil, &RowError{Line: line, Column: col.Name, Reason: err.Error()}
		}
		values[i] = v
	}
	return basic.NewRow(values...), nil
}
