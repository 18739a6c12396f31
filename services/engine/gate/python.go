// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gate

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// networkModules are Python modules whose import signals network use.
var networkModules = map[string]bool{
	"requests": true,
	"urllib":   true,
	"urllib2":  true,
	"urllib3":  true,
	"socket":   true,
	"httpx":    true,
	"http":     true, // covers http.client
	"aiohttp":  true,
}

// pythonInspector walks Python ASTs for import and network analysis.
//
// Using a real parse instead of regexes means a literal "import requests"
// inside a docstring or string is accepted: strings parse as string nodes,
// never as import statements.
//
// Thread Safety: safe for concurrent use; a parser is created per call
// because tree-sitter parsers are not concurrency-safe.
type pythonInspector struct {
	language *sitter.Language
}

func newPythonInspector() *pythonInspector {
	return &pythonInspector{language: python.GetLanguage()}
}

func (p *pythonInspector) parse(source []byte) *sitter.Node {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(p.language)
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil || tree == nil {
		return nil
	}
	return tree.RootNode()
}

// topLevelImports returns the root package of every imported module,
// de-duplicated, in source order. Relative imports are skipped: they
// reference the workspace itself.
func (p *pythonInspector) topLevelImports(code string) []string {
	source := []byte(code)
	root := p.parse(source)
	if root == nil {
		return nil
	}

	var modules []string
	seen := map[string]bool{}
	add := func(dotted string) {
		rootPkg := strings.SplitN(dotted, ".", 2)[0]
		if rootPkg != "" && !seen[rootPkg] {
			seen[rootPkg] = true
			modules = append(modules, rootPkg)
		}
	}

	walk(root, func(node *sitter.Node) {
		switch node.Type() {
		case "import_statement":
			for i := 0; i < int(node.NamedChildCount()); i++ {
				child := node.NamedChild(i)
				switch child.Type() {
				case "dotted_name":
					add(child.Content(source))
				case "aliased_import":
					if name := child.ChildByFieldName("name"); name != nil {
						add(name.Content(source))
					}
				}
			}
		case "import_from_statement":
			if module := node.ChildByFieldName("module_name"); module != nil && module.Type() == "dotted_name" {
				add(module.Content(source))
			}
		case "call":
			// __import__("pkg") is an import in disguise.
			fn := node.ChildByFieldName("function")
			if fn != nil && fn.Type() == "identifier" && fn.Content(source) == "__import__" {
				if args := node.ChildByFieldName("arguments"); args != nil && args.NamedChildCount() > 0 {
					arg := args.NamedChild(0)
					if arg.Type() == "string" {
						add(strings.Trim(arg.Content(source), `"'`))
					}
				}
			}
		}
	})
	return modules
}

// findNetworkUse reports the first network-capable module imported by the
// code, or empty when none.
func (p *pythonInspector) findNetworkUse(code string) string {
	for _, module := range p.topLevelImports(code) {
		if networkModules[module] {
			return "import " + module
		}
	}
	return ""
}

// walk visits every node depth-first.
func walk(node *sitter.Node, visit func(*sitter.Node)) {
	visit(node)
	for i := 0; i < int(node.NamedChildCount()); i++ {
		walk(node.NamedChild(i), visit)
	}
}
