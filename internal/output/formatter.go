// Package output renders shell and admin listings as a table, JSON or YAML.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Formatter renders a value for a terminal.
type Formatter interface {
	Format(data any) string
}

// NewFormatter returns the Formatter for format: "table" (default), "json" or "yaml".
func NewFormatter(format string) Formatter {
	switch strings.ToLower(format) {
	case "json":
		return JSONFormatter{}
	case "yaml":
		return YAMLFormatter{}
	default:
		return TableFormatter{}
	}
}

// TableFormatter aligns slices of structs into columns. Column headers come
// from the yaml tag of each field, falling back to the field name.
type TableFormatter struct{}

func (TableFormatter) Format(data any) string {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return "(none)\n"
		}
		if indirect(v.Index(0)).Kind() != reflect.Struct {
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(w, v.Index(i).Interface())
			}
			break
		}
		t := indirect(v.Index(0)).Type()
		fmt.Fprintln(w, strings.Join(headers(t), "\t"))
		for i := 0; i < v.Len(); i++ {
			row := indirect(v.Index(i))
			cells := make([]string, row.NumField())
			for j := range cells {
				cells[j] = fmt.Sprintf("%v", row.Field(j).Interface())
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
	case reflect.Struct:
		names := headers(v.Type())
		for i, name := range names {
			fmt.Fprintf(w, "%s:\t%v\n", name, v.Field(i).Interface())
		}
	default:
		fmt.Fprintln(w, data)
	}

	w.Flush()
	return buf.String()
}

func indirect(v reflect.Value) reflect.Value {
	if v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		return v.Elem()
	}
	return v
}

func headers(t reflect.Type) []string {
	out := make([]string, t.NumField())
	for i := range out {
		f := t.Field(i)
		name := strings.Split(f.Tag.Get("yaml"), ",")[0]
		if name == "" || name == "-" {
			name = f.Name
		}
		out[i] = strings.ToUpper(name)
	}
	return out
}

// JSONFormatter renders indented JSON.
type JSONFormatter struct{}

func (JSONFormatter) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

// YAMLFormatter renders YAML.
type YAMLFormatter struct{}

func (YAMLFormatter) Format(data any) string {
	b, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}
