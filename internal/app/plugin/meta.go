package plugin

import (
	"fmt"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// parseMeta extracts the metadata object from JavaScript source by walking
// the parse tree. The file is never evaluated, so cataloguing a plugin
// cannot trigger its side effects.
//
// Recognized declarations, checked top-level only:
//
//	const meta = {...}            (also let / var)
//	exports.meta = {...}
//	module.exports.meta = {...}
//	module.exports = { meta: {...} }
func parseMeta(filename string, src []byte) (Info, error) {
	program, err := parser.ParseFile(nil, filename, string(src), 0)
	if err != nil {
		return Info{}, fmt.Errorf("parse: %w", err)
	}
	literal := findMetaLiteral(program)
	if literal == nil {
		return Info{}, fmt.Errorf("no meta object declared")
	}
	info, err := metaFromLiteral(literal)
	if err != nil {
		return Info{}, err
	}
	if strings.TrimSpace(info.Name) == "" {
		info.Name = info.ID
	}
	if err := info.validate(); err != nil {
		return Info{}, err
	}
	return info, nil
}

func findMetaLiteral(program *ast.Program) *ast.ObjectLiteral {
	for _, stmt := range program.Body {
		switch node := stmt.(type) {
		case *ast.VariableStatement:
			if obj := metaBinding(node.List); obj != nil {
				return obj
			}
		case *ast.LexicalDeclaration:
			if obj := metaBinding(node.List); obj != nil {
				return obj
			}
		case *ast.ExpressionStatement:
			if obj := metaAssignment(node.Expression); obj != nil {
				return obj
			}
		}
	}
	return nil
}

func metaBinding(list []*ast.Binding) *ast.ObjectLiteral {
	for _, binding := range list {
		target, ok := binding.Target.(*ast.Identifier)
		if !ok || target.Name.String() != "meta" {
			continue
		}
		if obj, ok := binding.Initializer.(*ast.ObjectLiteral); ok {
			return obj
		}
	}
	return nil
}

func metaAssignment(expr ast.Expression) *ast.ObjectLiteral {
	assign, ok := expr.(*ast.AssignExpression)
	if !ok {
		return nil
	}
	obj, isLiteral := assign.Right.(*ast.ObjectLiteral)
	if !isLiteral {
		return nil
	}
	dot, ok := assign.Left.(*ast.DotExpression)
	if !ok {
		return nil
	}
	switch dot.Identifier.Name.String() {
	case "meta":
		if isExportsRef(dot.Left) {
			return obj
		}
	case "exports":
		// module.exports = { meta: {...} } nests the literal one level down.
		if base, ok := dot.Left.(*ast.Identifier); ok && base.Name.String() == "module" {
			return propertyLiteral(obj, "meta")
		}
	}
	return nil
}

// isExportsRef reports whether expr is `exports` or `module.exports`.
func isExportsRef(expr ast.Expression) bool {
	switch node := expr.(type) {
	case *ast.Identifier:
		return node.Name.String() == "exports"
	case *ast.DotExpression:
		base, ok := node.Left.(*ast.Identifier)
		return ok && base.Name.String() == "module" && node.Identifier.Name.String() == "exports"
	}
	return false
}

func propertyLiteral(obj *ast.ObjectLiteral, key string) *ast.ObjectLiteral {
	for _, prop := range obj.Value {
		keyed, ok := prop.(*ast.PropertyKeyed)
		if !ok {
			continue
		}
		name, ok := literalKey(keyed.Key)
		if !ok || name != key {
			continue
		}
		if nested, ok := keyed.Value.(*ast.ObjectLiteral); ok {
			return nested
		}
	}
	return nil
}

func metaFromLiteral(obj *ast.ObjectLiteral) (Info, error) {
	var info Info
	for _, prop := range obj.Value {
		keyed, ok := prop.(*ast.PropertyKeyed)
		if !ok {
			continue
		}
		key, ok := literalKey(keyed.Key)
		if !ok {
			continue
		}
		switch key {
		case "id", "name", "version", "entry":
			value, ok := stringLiteral(keyed.Value)
			if !ok {
				return Info{}, fmt.Errorf("meta.%s must be a string literal", key)
			}
			switch key {
			case "id":
				info.ID = value
			case "name":
				info.Name = value
			case "version":
				info.Version = value
			case "entry":
				info.Entry = value
			}
		case "features", "requires":
			values, err := stringList(keyed.Value)
			if err != nil {
				return Info{}, fmt.Errorf("meta.%s %w", key, err)
			}
			if key == "features" {
				info.Features = values
			} else {
				info.Requires = values
			}
		}
	}
	return info, nil
}

// literalKey accepts both bare and quoted property names; the parser
// represents bare names as identifiers in some versions and string literals
// in others.
func literalKey(expr ast.Expression) (string, bool) {
	switch key := expr.(type) {
	case *ast.Identifier:
		return key.Name.String(), true
	case *ast.StringLiteral:
		return key.Value.String(), true
	}
	return "", false
}

func stringLiteral(expr ast.Expression) (string, bool) {
	lit, ok := expr.(*ast.StringLiteral)
	if !ok {
		return "", false
	}
	return lit.Value.String(), true
}

func stringList(expr ast.Expression) ([]string, error) {
	arr, ok := expr.(*ast.ArrayLiteral)
	if !ok {
		return nil, fmt.Errorf("must be an array literal")
	}
	out := make([]string, 0, len(arr.Value))
	for _, item := range arr.Value {
		value, ok := stringLiteral(item)
		if !ok {
			return nil, fmt.Errorf("must contain only string literals")
		}
		out = append(out, value)
	}
	return out, nil
}
