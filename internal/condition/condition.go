// Package condition evaluates step `if` expressions in a sandboxed Lua
// state.
//
// An expression is any Lua expression. The status functions success(),
// failure(), always() and cancelled() read the run's state; an expression
// that names none of them is implicitly combined with success(), so
// `env.DEPLOY == "1"` still skips after a failure. Whether it names one
// is read from the expression's syntax, not from which calls happen to
// run.
package condition

import (
	"fmt"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"

	"github.com/mpataki/cirun/internal/models"
)

// Default is the condition of a step that declares none.
const Default = "success()"

// State is what an expression can observe.
type State struct {
	Failed   bool
	Canceled bool
	Env      map[string]string
	Event    models.Event
	// Steps maps step names to their final status so far.
	Steps map[string]models.StepStatus
}

// Evaluate returns whether a step guarded by expr should run.
func Evaluate(expr string, st State) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = Default
	}

	source := "return (" + expr + ")"
	checked, err := namesStatus(source)
	if err != nil {
		return false, fmt.Errorf("invalid condition %q: %w", expr, err)
	}

	e := &evaluation{state: st}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()

	openSafeLibs(L)
	e.register(L)

	fn, err := L.LoadString(source)
	if err != nil {
		return false, fmt.Errorf("invalid condition %q: %w", expr, err)
	}

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return false, fmt.Errorf("condition %q failed: %w", expr, err)
	}
	result := lua.LVAsBool(L.Get(-1))
	L.Pop(1)

	if !checked && (st.Failed || st.Canceled) {
		return false, nil
	}
	return result, nil
}

// Check compiles expr without running it.
func Check(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	if _, err := L.LoadString("return (" + expr + ")"); err != nil {
		return fmt.Errorf("invalid condition %q: %w", expr, err)
	}
	return nil
}

type evaluation struct {
	state State
}

var statusFuncs = map[string]bool{
	"success":   true,
	"failure":   true,
	"always":    true,
	"cancelled": true,
}

// namesStatus reports whether source calls a status function anywhere.
func namesStatus(source string) (bool, error) {
	chunk, err := parse.Parse(strings.NewReader(source), "<condition>")
	if err != nil {
		return false, err
	}
	for _, stmt := range chunk {
		if ret, ok := stmt.(*ast.ReturnStmt); ok {
			for _, ex := range ret.Exprs {
				if callsStatus(ex) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func callsStatus(ex ast.Expr) bool {
	switch ex := ex.(type) {
	case *ast.FuncCallExpr:
		if id, ok := ex.Func.(*ast.IdentExpr); ok && statusFuncs[id.Value] {
			return true
		}
		if ex.Func != nil && callsStatus(ex.Func) {
			return true
		}
		if ex.Receiver != nil && callsStatus(ex.Receiver) {
			return true
		}
		for _, arg := range ex.Args {
			if callsStatus(arg) {
				return true
			}
		}
	case *ast.LogicalOpExpr:
		return callsStatus(ex.Lhs) || callsStatus(ex.Rhs)
	case *ast.RelationalOpExpr:
		return callsStatus(ex.Lhs) || callsStatus(ex.Rhs)
	case *ast.ArithmeticOpExpr:
		return callsStatus(ex.Lhs) || callsStatus(ex.Rhs)
	case *ast.StringConcatOpExpr:
		return callsStatus(ex.Lhs) || callsStatus(ex.Rhs)
	case *ast.UnaryNotOpExpr:
		return callsStatus(ex.Expr)
	case *ast.UnaryMinusOpExpr:
		return callsStatus(ex.Expr)
	case *ast.UnaryLenOpExpr:
		return callsStatus(ex.Expr)
	case *ast.AttrGetExpr:
		return callsStatus(ex.Object) || callsStatus(ex.Key)
	case *ast.TableExpr:
		for _, f := range ex.Fields {
			if (f.Key != nil && callsStatus(f.Key)) || callsStatus(f.Value) {
				return true
			}
		}
	}
	return false
}

// openSafeLibs loads only the deterministic standard libraries
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("collectgarbage", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (e *evaluation) register(L *lua.LState) {
	st := e.state

	L.SetGlobal("success", L.NewFunction(e.status(func() bool { return !st.Failed && !st.Canceled })))
	L.SetGlobal("failure", L.NewFunction(e.status(func() bool { return st.Failed && !st.Canceled })))
	L.SetGlobal("cancelled", L.NewFunction(e.status(func() bool { return st.Canceled })))
	L.SetGlobal("always", L.NewFunction(e.status(func() bool { return true })))

	L.SetGlobal("env", stringTable(L, st.Env))

	event := L.NewTable()
	L.SetField(event, "kind", lua.LString(st.Event.Kind))
	L.SetField(event, "branch", lua.LString(st.Event.Branch))
	L.SetField(event, "ref", lua.LString(st.Event.Ref))
	L.SetField(event, "action", lua.LString(st.Event.Action))
	L.SetField(event, "revision", lua.LString(st.Event.Revision))
	L.SetGlobal("event", event)

	steps := make(map[string]string, len(st.Steps))
	for name, status := range st.Steps {
		steps[name] = string(status)
	}
	L.SetGlobal("steps", stringTable(L, steps))
}

func (e *evaluation) status(fn func() bool) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LBool(fn()))
		return 1
	}
}

// stringTable builds the table in key order so evaluation never depends
// on map iteration.
func stringTable(L *lua.LState, m map[string]string) *lua.LTable {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tbl := L.NewTable()
	for _, k := range keys {
		L.SetField(tbl, k, lua.LString(m[k]))
	}
	return tbl
}
