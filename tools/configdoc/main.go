// Command configdoc prints a commented sample configuration built from the
// field comments and default tags of server/config/config.go.
//
//	go run ./tools/configdoc > abmonitor.example.yaml
package main

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
)

func docLines(field *ast.Field) []string {
	group := field.Doc
	if group == nil {
		group = field.Comment
	}
	if group == nil {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(group.Text()), "\n") {
		lines = append(lines, strings.TrimSpace(line))
	}
	return lines
}

// value renders the default of a field, or its zero value.
func value(ftype ast.Expr, def string) string {
	ident, _ := ftype.(*ast.Ident)
	name := ""
	if ident != nil {
		name = ident.Name
	}
	switch {
	case name == "string":
		if def == "" {
			return `""`
		}
		return strconv.Quote(def)
	case def != "":
		return def
	case name == "bool":
		return "false"
	default:
		return "0"
	}
}

type renderer struct {
	w     *bytes.Buffer
	types map[string]*ast.TypeSpec
}

func (r *renderer) structOf(expr ast.Expr) *ast.StructType {
	switch t := expr.(type) {
	case *ast.StructType:
		return t
	case *ast.Ident:
		if ts, ok := r.types[t.Name]; ok {
			st, _ := ts.Type.(*ast.StructType)
			return st
		}
	}
	return nil
}

func (r *renderer) fields(st *ast.StructType, indent string) {
	for i, field := range st.Fields.List {
		if field.Tag == nil || len(field.Names) == 0 {
			continue
		}
		tag := reflect.StructTag(field.Tag.Value[1 : len(field.Tag.Value)-1])
		key := tag.Get("yaml")
		if key == "" {
			key = strings.ToLower(field.Names[0].Name)
		}
		inner := r.structOf(field.Type)
		if inner != nil && i > 0 {
			r.w.WriteString("\n")
		}
		for _, line := range docLines(field) {
			fmt.Fprintf(r.w, "%s# %s\n", indent, line)
		}
		if inner != nil {
			fmt.Fprintf(r.w, "%s%s:\n", indent, key)
			r.fields(inner, indent+"  ")
			continue
		}
		fmt.Fprintf(r.w, "%s%s: %s\n", indent, key, value(field.Type, tag.Get("default")))
	}
}

// render writes the sample for the Config type declared in src.
func render(w io.Writer, src []byte) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "config.go", src, parser.ParseComments)
	if err != nil {
		return err
	}
	r := &renderer{w: &bytes.Buffer{}, types: map[string]*ast.TypeSpec{}}
	for _, decl := range f.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok {
			for _, spec := range gd.Specs {
				if ts, ok := spec.(*ast.TypeSpec); ok {
					r.types[ts.Name.Name] = ts
				}
			}
		}
	}
	root := r.structOf(ast.NewIdent("Config"))
	if root == nil {
		return fmt.Errorf("no Config struct found")
	}
	r.fields(root, "")
	_, err = w.Write(r.w.Bytes())
	return err
}

func main() {
	path := "server/config/config.go"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	src, err := os.ReadFile(path)
	if err != nil {
		log.Fatal(err)
	}
	if err := render(os.Stdout, src); err != nil {
		log.Fatal(err)
	}
}
