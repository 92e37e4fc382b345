package sim

import "sync"

// HookPos defines the enum of possible hooking positions
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
	Detail interface{}
}

// Hookable defines an object that accept Hooks
type Hookable interface {
	// AcceptHook registers a hook
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface. Hooks may be invoked from several goroutines at the
// same time, so hooks themselves must be safe for concurrent use.
type HookableBase struct {
	mu    sync.RWMutex
	Hooks []Hook
}

// NewHookableBase creates a HookableBase object
func NewHookableBase() *HookableBase {
	h := new(HookableBase)
	h.Hooks = make([]Hook, 0)
	return h
}

// AcceptHook register a hook
func (h *HookableBase) AcceptHook(hook Hook) {
	h.mu.Lock()
	h.Hooks = append(h.Hooks, hook)
	h.mu.Unlock()
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.Hooks)
}

// InvokeHook triggers the register Hooks
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	h.mu.RLock()
	hooks := h.Hooks
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook.Func(ctx)
	}
}

// CopyHooksTo registers every hook of h on other.
func (h *HookableBase) CopyHooksTo(other Hookable) {
	h.mu.RLock()
	hooks := append([]Hook(nil), h.Hooks...)
	h.mu.RUnlock()

	for _, hook := range hooks {
		other.AcceptHook(hook)
	}
}
