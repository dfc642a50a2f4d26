package schema

import (
	"fmt"
	"regexp"
	"strings"
)

const DefaultColumnType = "VARCHAR(255) NULL"

var typeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ (),]*$`)

// ValidType reports whether s may be spliced into DDL as a column type.
func ValidType(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && len(s) <= 128 && typeRe.MatchString(s) && strings.Count(s, "(") == strings.Count(s, ")")
}

// Type is a column type reduced to a comparable form.
type Type struct {
	Base    string
	NotNull bool
}

func (t Type) Equal(o Type) bool {
	return t.Base == o.Base && t.NotNull == o.NotNull
}

func (t Type) String() string {
	if t.NotNull {
		return t.Base + " NOT NULL"
	}
	return t.Base
}

var baseAliases = map[string]string{
	"int":                         "integer",
	"int4":                        "integer",
	"serial":                      "integer",
	"serial4":                     "integer",
	"int8":                        "bigint",
	"bigserial":                   "bigint",
	"serial8":                     "bigint",
	"int2":                        "smallint",
	"tinyint":                     "smallint",
	"decimal":                     "numeric",
	"character varying":           "varchar",
	"character":                   "char",
	"bpchar":                      "char",
	"datetime":                    "timestamp",
	"timestamp without time zone": "timestamp",
	"timestamp with time zone":    "timestamptz",
	"time without time zone":      "time",
	"time with time zone":         "timetz",
	"bool":                        "boolean",
	"float8":                      "double precision",
	"double":                      "double precision",
	"float4":                      "real",
	"float":                       "double precision",
	"longtext":                    "text",
	"mediumtext":                  "text",
	"tinytext":                    "text",
}

// trailing modifiers that never affect the stored type
var dropTokens = []string{" auto_increment", " unsigned", " primary key"}

// ParseType canonicalizes case, whitespace, nullability, aliases and facets, so that
// "DECIMAL(6, 2) NULL" and "numeric(6,2)" compare equal.
func ParseType(s string) Type {
	t := strings.ToLower(strings.Join(strings.Fields(s), " "))
	if i := strings.Index(t, " default"); i >= 0 {
		t = t[:i]
	}
	var out Type
	out.NotNull = strings.Contains(t, " primary key")
	for _, tok := range dropTokens {
		t = strings.ReplaceAll(t, tok, "")
	}

	switch {
	case strings.HasSuffix(t, " not null"):
		out.NotNull = true
		t = strings.TrimSuffix(t, " not null")
	case strings.HasSuffix(t, " null"):
		t = strings.TrimSuffix(t, " null")
	}
	t = strings.NewReplacer(" (", "(", "( ", "(", " )", ")", ", ", ",", " ,", ",").Replace(t)

	name, args, rest := t, "", ""
	if open := strings.Index(t, "("); open >= 0 {
		if closing := strings.Index(t[open:], ")"); closing >= 0 {
			name = t[:open]
			args = t[open+1 : open+closing]
			rest = strings.TrimSpace(t[open+closing+1:])
		}
	}
	if rest != "" {
		name = name + " " + rest
	}
	name = strings.TrimSpace(name)
	if strings.HasSuffix(name, "serial") {
		out.NotNull = true
	}
	if alias, ok := baseAliases[name]; ok {
		name = alias
	}
	if name == "numeric" && args != "" && !strings.Contains(args, ",") {
		args += ",0"
	}
	if args != "" {
		name = fmt.Sprintf("%s(%s)", name, args)
	}
	out.Base = name
	return out
}

// InformationSchemaType renders an information_schema.columns row back into a type string.
func InformationSchemaType(dataType string, charMaxLength, numericPrecision, numericScale *int32, nullable bool) string {
	dt := strings.ToLower(strings.TrimSpace(dataType))
	switch dt {
	case "character varying", "character", "varchar", "char":
		if charMaxLength != nil {
			dt = fmt.Sprintf("%s(%d)", dt, *charMaxLength)
		}
	case "numeric", "decimal":
		if numericPrecision != nil {
			scale := int32(0)
			if numericScale != nil {
				scale = *numericScale
			}
			dt = fmt.Sprintf("%s(%d,%d)", dt, *numericPrecision, scale)
		}
	}
	if !nullable {
		return dt + " NOT NULL"
	}
	return dt + " NULL"
}
