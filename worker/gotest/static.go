package gotest

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
)

// packageDir resolves a package given as "./rel/path" or as an import path of
// the module rooted at workDir.
func packageDir(pkgPath, workDir string) (string, error) {
	if pkgPath == "." || strings.HasPrefix(pkgPath, "./") {
		return filepath.Join(workDir, pkgPath), nil
	}

	goModPath := filepath.Join(workDir, "go.mod")
	goModContent, err := os.ReadFile(goModPath)
	if err != nil {
		return "", fmt.Errorf("failed to read go.mod: %w", err)
	}
	modFile, err := modfile.Parse(goModPath, goModContent, nil)
	if err != nil {
		return "", fmt.Errorf("failed to parse go.mod: %w", err)
	}
	if modFile.Module == nil || modFile.Module.Mod.Path == "" {
		return "", fmt.Errorf("could not find module name in %s", goModPath)
	}

	moduleName := modFile.Module.Mod.Path
	if pkgPath != moduleName && !strings.HasPrefix(pkgPath, moduleName+"/") {
		return "", fmt.Errorf("package %s is not in module %s", pkgPath, moduleName)
	}
	return filepath.Join(workDir, strings.TrimPrefix(pkgPath, moduleName)), nil
}

// findTestFunctions lists the top-level Test functions of a package by
// parsing its _test.go files, without building it.
func findTestFunctions(pkgPath, workDir string) ([]string, error) {
	pkgDir, err := packageDir(pkgPath, workDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	var names []string
	fset := token.NewFileSet()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(pkgDir, entry.Name()), nil, parser.SkipObjectResolution)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		for _, decl := range f.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv != nil {
				continue
			}
			if isValidTestName(fn.Name.Name) && fn.Name.Name != "TestMain" {
				names = append(names, fn.Name.Name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}
