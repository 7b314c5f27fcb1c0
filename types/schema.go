package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ColType is the scalar type of a table column.
type ColType string

const (
	ColInt      ColType = "int"
	ColFloat    ColType = "float"
	ColStr      ColType = "str"
	ColBool     ColType = "bool"
	ColDatetime ColType = "datetime"
)

// Valid reports whether c is a known column type.
func (c ColType) Valid() bool {
	switch c {
	case ColInt, ColFloat, ColStr, ColBool, ColDatetime:
		return true
	}
	return false
}

// SchemaType is the top-level type of a value.
type SchemaType string

const (
	TypeInt      SchemaType = "int"
	TypeFloat    SchemaType = "float"
	TypeStr      SchemaType = "str"
	TypeBool     SchemaType = "bool"
	TypeDatetime SchemaType = "datetime"
	TypeTable    SchemaType = "Table"
	TypeFile     SchemaType = "File"
)

// Primitives lists every scalar schema type.
var Primitives = []SchemaType{TypeInt, TypeFloat, TypeStr, TypeBool, TypeDatetime}

// Valid reports whether t is a known schema type.
func (t SchemaType) Valid() bool {
	switch t {
	case TypeInt, TypeFloat, TypeStr, TypeBool, TypeDatetime, TypeTable, TypeFile:
		return true
	}
	return false
}

// IsPrimitive reports whether t is a scalar type.
func (t SchemaType) IsPrimitive() bool {
	return t.Valid() && t != TypeTable && t != TypeFile
}

// ColType returns the column type matching a primitive schema type.
func (t SchemaType) ColType() (ColType, bool) {
	if !t.IsPrimitive() {
		return "", false
	}
	return ColType(t), true
}

// FileFormat is the format of a stored blob.
type FileFormat string

const (
	FormatPNG  FileFormat = "png"
	FormatJPG  FileFormat = "jpg"
	FormatPDF  FileFormat = "pdf"
	FormatCSV  FileFormat = "csv"
	FormatXLSX FileFormat = "xlsx"
	FormatJSON FileFormat = "json"
	FormatTXT  FileFormat = "txt"
	FormatWord FileFormat = "word"
)

// Valid reports whether f is a known file format.
func (f FileFormat) Valid() bool {
	switch f {
	case FormatPNG, FormatJPG, FormatPDF, FormatCSV, FormatXLSX, FormatJSON, FormatTXT, FormatWord:
		return true
	}
	return false
}

// Tabular reports whether the format may carry column types.
func (f FileFormat) Tabular() bool {
	return f == FormatCSV || f == FormatXLSX || f == FormatJSON
}

// ErrInvalidSchema is returned when a schema is not internally consistent.
var ErrInvalidSchema = errors.New("invalid schema")

// TableSchema describes the ordered columns of a table.
type TableSchema struct {
	Columns  []string           `json:"columns"`
	ColTypes map[string]ColType `json:"col_types"`
}

// NewTableSchema builds a table schema keeping the column order.
func NewTableSchema(cols ...Column) TableSchema {
	ts := TableSchema{Columns: make([]string, 0, len(cols)), ColTypes: make(map[string]ColType, len(cols))}
	for _, c := range cols {
		ts.Columns = append(ts.Columns, c.Name)
		ts.ColTypes[c.Name] = c.Type
	}
	return ts
}

// Column names a single column and its type.
type Column struct {
	Name string
	Type ColType
}

// Validate checks that every column is declared exactly once with a known type.
func (t TableSchema) Validate() error {
	if len(t.Columns) != len(t.ColTypes) {
		return fmt.Errorf("%w: %d columns but %d column types", ErrInvalidSchema, len(t.Columns), len(t.ColTypes))
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c == "" {
			return fmt.Errorf("%w: blank column name", ErrInvalidSchema)
		}
		if seen[c] {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, c)
		}
		seen[c] = true
		ct, ok := t.ColTypes[c]
		if !ok {
			return fmt.Errorf("%w: column %q has no declared type", ErrInvalidSchema, c)
		}
		if !ct.Valid() {
			return fmt.Errorf("%w: column %q has unknown type %q", ErrInvalidSchema, c, ct)
		}
	}
	return nil
}

// Equal compares the column-type maps. Column order does not take part.
func (t TableSchema) Equal(o TableSchema) bool {
	return colTypesEqual(t.ColTypes, o.ColTypes)
}

// Clone returns a deep copy.
func (t TableSchema) Clone() TableSchema {
	out := TableSchema{Columns: append([]string(nil), t.Columns...), ColTypes: make(map[string]ColType, len(t.ColTypes))}
	for k, v := range t.ColTypes {
		out.ColTypes[k] = v
	}
	return out
}

// Has reports whether the column exists.
func (t TableSchema) Has(col string) bool {
	_, ok := t.ColTypes[col]
	return ok
}

func colTypesEqual(a, b map[string]ColType) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// FileSchema describes a file handle.
type FileSchema struct {
	Format   FileFormat         `json:"format"`
	ColTypes map[string]ColType `json:"col_types,omitempty"`
}

// Equal compares format and column types.
func (f FileSchema) Equal(o FileSchema) bool {
	return f.Format == o.Format && colTypesEqual(f.ColTypes, o.ColTypes)
}

// Schema is the full type descriptor of a value.
type Schema struct {
	Type SchemaType   `json:"type"`
	Tab  *TableSchema `json:"tab,omitempty"`
	File *FileSchema  `json:"file,omitempty"`
}

// Primitive returns the schema of a scalar type.
func Primitive(t SchemaType) Schema { return Schema{Type: t} }

// TableOf returns a table schema.
func TableOf(ts TableSchema) Schema {
	c := ts.Clone()
	return Schema{Type: TypeTable, Tab: &c}
}

// FileOf returns a file schema.
func FileOf(fs FileSchema) Schema { return Schema{Type: TypeFile, File: &fs} }

// Validate checks cross-field consistency.
func (s Schema) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSchema, s.Type)
	}
	switch s.Type {
	case TypeTable:
		if s.Tab == nil {
			return fmt.Errorf("%w: table schema without columns", ErrInvalidSchema)
		}
		if s.File != nil {
			return fmt.Errorf("%w: table schema carries a file descriptor", ErrInvalidSchema)
		}
		return s.Tab.Validate()
	case TypeFile:
		if s.File == nil {
			return fmt.Errorf("%w: file schema without format", ErrInvalidSchema)
		}
		if s.Tab != nil {
			return fmt.Errorf("%w: file schema carries a table descriptor", ErrInvalidSchema)
		}
		if !s.File.Format.Valid() {
			return fmt.Errorf("%w: unknown file format %q", ErrInvalidSchema, s.File.Format)
		}
		if len(s.File.ColTypes) > 0 && !s.File.Format.Tabular() {
			return fmt.Errorf("%w: %s files cannot carry column types", ErrInvalidSchema, s.File.Format)
		}
	default:
		if s.Tab != nil || s.File != nil {
			return fmt.Errorf("%w: %s schema carries a nested descriptor", ErrInvalidSchema, s.Type)
		}
	}
	return nil
}

// Equal reports whether two schemas describe the same type.
func (s Schema) Equal(o Schema) bool {
	if s.Type != o.Type {
		return false
	}
	switch s.Type {
	case TypeTable:
		if s.Tab == nil || o.Tab == nil {
			return s.Tab == o.Tab
		}
		return s.Tab.Equal(*o.Tab)
	case TypeFile:
		if s.File == nil || o.File == nil {
			return s.File == o.File
		}
		return s.File.Equal(*o.File)
	}
	return true
}

// EqualColType reports whether a column type describes this schema. Only the
// matching primitive type compares equal.
func (s Schema) EqualColType(c ColType) bool {
	return s.Type.IsPrimitive() && ColType(s.Type) == c
}

func (s Schema) String() string {
	switch s.Type {
	case TypeTable:
		if s.Tab == nil {
			return "Table"
		}
		parts := make([]string, 0, len(s.Tab.Columns))
		for _, c := range s.Tab.Columns {
			parts = append(parts, c+":"+string(s.Tab.ColTypes[c]))
		}
		return "Table{" + strings.Join(parts, ",") + "}"
	case TypeFile:
		if s.File == nil {
			return "File"
		}
		return "File(" + string(s.File.Format) + ")"
	}
	return string(s.Type)
}

// Pattern is an acceptance predicate over schemas.
type Pattern struct {
	Types        []SchemaType         `json:"types"`
	TableColumns map[string][]ColType `json:"table_columns,omitempty"`
	FileFormats  []FileFormat         `json:"file_formats,omitempty"`
}

// Accept returns a pattern matching any of the given types.
func Accept(ts ...SchemaType) Pattern {
	return Pattern{Types: append([]SchemaType(nil), ts...)}
}

// AcceptTable returns a pattern matching tables that carry the given columns.
func AcceptTable(cols map[string][]ColType) Pattern {
	return Pattern{Types: []SchemaType{TypeTable}, TableColumns: cols}
}

// AcceptFile returns a pattern matching files of the given formats.
func AcceptFile(formats ...FileFormat) Pattern {
	return Pattern{Types: []SchemaType{TypeFile}, FileFormats: formats}
}

// Accepts reports whether s satisfies the pattern.
func (p Pattern) Accepts(s Schema) bool {
	matched := false
	for _, t := range p.Types {
		if t == s.Type {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	switch s.Type {
	case TypeTable:
		if s.Tab == nil {
			return false
		}
		for col, allowed := range p.TableColumns {
			ct, ok := s.Tab.ColTypes[col]
			if !ok {
				return false
			}
			if len(allowed) > 0 && !containsColType(allowed, ct) {
				return false
			}
		}
	case TypeFile:
		if s.File == nil {
			return false
		}
		if len(p.FileFormats) > 0 {
			ok := false
			for _, f := range p.FileFormats {
				if f == s.File.Format {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
	}
	return true
}

func (p Pattern) String() string {
	parts := make([]string, 0, len(p.Types))
	for _, t := range p.Types {
		parts = append(parts, string(t))
	}
	s := strings.Join(parts, "|")
	if len(p.TableColumns) > 0 {
		cols := make([]string, 0, len(p.TableColumns))
		for c := range p.TableColumns {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		s += "{" + strings.Join(cols, ",") + "}"
	}
	if len(p.FileFormats) > 0 {
		fs := make([]string, 0, len(p.FileFormats))
		for _, f := range p.FileFormats {
			fs = append(fs, string(f))
		}
		s += "(" + strings.Join(fs, ",") + ")"
	}
	return s
}

func containsColType(list []ColType, c ColType) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
