package nodes

import (
	"context"
	"errors"
	"fmt"

	"flowcore"
	"flowcore/flows"
	"flowcore/kv"
)

// KVReadNode copies a value from a store into shared[OutputKey]. A missing
// key takes the "missing" edge when one is wired, and fails otherwise.
type KVReadNode struct {
	flows.AsyncNode
	store     kv.Store
	Key       string
	OutputKey string
}

// ActionMissing is returned by KVReadNode when the key is absent.
const ActionMissing flowcore.Action = "missing"

func NewKVReadNode(name string, store kv.Store, key, outputKey string) *KVReadNode {
	return &KVReadNode{AsyncNode: flows.NewAsyncNode(flows.WithName(name)), store: store, Key: key, OutputKey: outputKey}
}

func (n *KVReadNode) ExecAsync(ctx context.Context, _ any) (any, error) {
	if n.store == nil {
		return nil, flowcore.Permanent(fmt.Errorf("kv store not configured for node %s", n.Name()))
	}
	value, err := n.store.Get(ctx, n.Key)
	if errors.Is(err, kv.ErrNotFound) {
		if _, wired := n.Successor(ActionMissing); wired {
			return nil, nil
		}
		return nil, flowcore.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	return string(value), nil
}

func (n *KVReadNode) PostAsync(_ context.Context, shared flowcore.Shared, _, exec any) (flowcore.Action, error) {
	if exec == nil {
		return ActionMissing, nil
	}
	shared[n.OutputKey] = exec
	return "", nil
}

// KVWriteNode stores shared[InputKey], formatted with %v, under Key.
type KVWriteNode struct {
	flows.AsyncNode
	store    kv.Store
	Key      string
	InputKey string
}

func NewKVWriteNode(name string, store kv.Store, key, inputKey string) *KVWriteNode {
	return &KVWriteNode{AsyncNode: flows.NewAsyncNode(flows.WithName(name)), store: store, Key: key, InputKey: inputKey}
}

func (n *KVWriteNode) PrepAsync(_ context.Context, shared flowcore.Shared) (any, error) {
	value, ok := shared[n.InputKey]
	if !ok {
		return nil, &flowcore.MissingSharedError{Key: n.InputKey}
	}
	return fmt.Sprint(value), nil
}

func (n *KVWriteNode) ExecAsync(ctx context.Context, prep any) (any, error) {
	if n.store == nil {
		return nil, flowcore.Permanent(fmt.Errorf("kv store not configured for node %s", n.Name()))
	}
	return nil, n.store.Put(ctx, n.Key, []byte(prep.(string)))
}

func (n *KVWriteNode) PostAsync(context.Context, flowcore.Shared, any, any) (flowcore.Action, error) {
	return "", nil
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "kv_read",
		Description: "Reads a string from a KV store into shared state; follows 'missing' when the key is absent.",
		Example:     `nodes.NewKVReadNode("load", store, "key", "loaded")`,
	})
	RegisterNode(NodeDefinition{
		ID:          "kv_write",
		Description: "Persists the value under InputKey into the KV store key.",
		Example:     `nodes.NewKVWriteNode("persist", store, "key", "value")`,
	})
}
