package nodes

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"reflect"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"

	"flowcore"
	"flowcore/flows"
)

// LuaNodeConfig configures the embedded script.
type LuaNodeConfig struct {
	ID         string
	Script     string
	ScriptPath string
	Timeout    time.Duration
}

func DefaultLuaNodeConfig(id string) LuaNodeConfig {
	return LuaNodeConfig{ID: id}
}

// LuaNode runs a script in an embedded interpreter. The script sees the
// global tables `shared` and `params`; keys it sets on `shared` are written
// back, and a string it returns becomes the action.
type LuaNode struct {
	flows.AsyncNode
	cfg    LuaNodeConfig
	source string
}

type luaInput struct {
	shared flowcore.Shared
	params flowcore.Params
}

type luaResult struct {
	action  flowcore.Action
	updates map[string]any
}

func NewLuaNode(cfg LuaNodeConfig, opts ...flows.NodeOption) (*LuaNode, error) {
	if cfg.ID == "" {
		return nil, errors.New("lua node requires id")
	}
	source := cfg.Script
	if cfg.ScriptPath != "" {
		raw, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("lua node %s: %w", cfg.ID, err)
		}
		source = string(raw)
	}
	if source == "" {
		return nil, errors.New("lua node requires script or script_path")
	}
	opts = append([]flows.NodeOption{flows.WithName(cfg.ID)}, opts...)
	return &LuaNode{AsyncNode: flows.NewAsyncNode(opts...), cfg: cfg, source: source}, nil
}

func (n *LuaNode) PrepAsync(_ context.Context, shared flowcore.Shared) (any, error) {
	return luaInput{shared: maps.Clone(shared), params: n.Params()}, nil
}

func (n *LuaNode) ExecAsync(ctx context.Context, prep any) (any, error) {
	in := prep.(luaInput)
	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	sharedTbl := toLua(L, map[string]any(in.shared)).(*lua.LTable)
	before := tableValues(sharedTbl)
	L.SetGlobal("shared", sharedTbl)
	L.SetGlobal("params", toLua(L, map[string]any(in.params)))

	if err := L.DoString(n.source); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("lua: %w", err)
	}

	res := luaResult{updates: map[string]any{}}
	if top := L.GetTop(); top > 0 {
		if s, ok := L.Get(top).(lua.LString); ok {
			res.action = flowcore.Action(s)
		}
	}
	after := tableValues(sharedTbl)
	for key, value := range after {
		if old, ok := before[key]; !ok || !reflect.DeepEqual(old, value) {
			res.updates[key] = value
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			res.updates[key] = nil
		}
	}
	return res, nil
}

func tableValues(tbl *lua.LTable) map[string]any {
	out := map[string]any{}
	tbl.ForEach(func(k, v lua.LValue) {
		if key, ok := k.(lua.LString); ok {
			out[string(key)] = fromLua(v)
		}
	})
	return out
}

// PostAsync applies the keys the script changed; keys it set to nil are
// removed.
func (n *LuaNode) PostAsync(_ context.Context, shared flowcore.Shared, _, exec any) (flowcore.Action, error) {
	res, err := resultAs[luaResult](n.Name(), exec)
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(res.updates))
	for k := range res.updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := res.updates[k]; v != nil {
			shared[k] = v
		} else {
			delete(shared, k)
		}
	}
	return res.action, nil
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(t)
	case bool:
		return lua.LBool(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case float32:
		return lua.LNumber(t)
	case flowcore.Action:
		return lua.LString(t)
	case []any:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range t {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	case flowcore.Params:
		return toLua(L, map[string]any(t))
	default:
		return lua.LString(fmt.Sprint(t))
	}
}

// fromLua converts tables with a non-empty array part to []any and other
// tables to map[string]any. Whole numbers become int.
func fromLua(v lua.LValue) any {
	switch t := v.(type) {
	case lua.LString:
		return string(t)
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		f := float64(t)
		if f == float64(int(f)) {
			return int(f)
		}
		return f
	case *lua.LTable:
		if n := t.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(t.RawGetInt(i)))
			}
			return out
		}
		out := map[string]any{}
		t.ForEach(func(k, item lua.LValue) {
			out[k.String()] = fromLua(item)
		})
		return out
	default:
		return nil
	}
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "lua",
		Description: "Runs an embedded Lua script against shared state; a returned string becomes the action.",
		Example:     `nodes.NewLuaNode(nodes.LuaNodeConfig{ID: "sanitizer", Script: "shared.clean = true return 'next'"})`,
	})
}
