package gocommand

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// RegistryAdapter puts the broker commands and queries on one go-command
// registry. Each message type may be bound to a single handler.
type RegistryAdapter struct {
	registry *command.Registry

	mu    sync.Mutex
	types map[string]string
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry, types: map[string]string{}}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

// Registered maps each bound message type to command or query.
func (a *RegistryAdapter) Registered() map[string]string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.types))
	for messageType, kind := range a.types {
		out[messageType] = kind
	}
	return out
}

// MessageTypes returns the bound message types in order.
func (a *RegistryAdapter) MessageTypes() []string {
	registered := a.Registered()
	out := make([]string, 0, len(registered))
	for messageType := range registered {
		out = append(out, messageType)
	}
	sort.Strings(out)
	return out
}

// AddQueueResolver mirrors every registered command into a go-job queue
// registry so queue workers can execute them.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

// claim reserves messageType for one handler.
func (a *RegistryAdapter) claim(messageType, kind string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.types[messageType]; ok {
		return fmt.Errorf("gocommand: %s is already bound to a %s handler", messageType, existing)
	}
	a.types[messageType] = kind
	return nil
}

func (a *RegistryAdapter) release(messageType string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.types, messageType)
}

// messageTypeOf reads Type() from the zero value of T.
func messageTypeOf[T any]() (string, error) {
	var msg T
	typed, ok := any(msg).(command.Message)
	if !ok {
		return "", fmt.Errorf("gocommand: %T must implement Type() string", msg)
	}
	messageType := strings.TrimSpace(typed.Type())
	if messageType == "" {
		return "", fmt.Errorf("gocommand: %T has an empty message type", msg)
	}
	return messageType, nil
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	return bind[T](adapter, "command", cmd, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	})
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	return bind[T](adapter, "query", qry, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	})
}

// bind claims the message type, subscribes the handler and registers it,
// undoing each step when a later one fails.
func bind[T any](
	adapter *RegistryAdapter,
	kind string,
	handler any,
	subscribe func() commanddispatcher.Subscription,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	messageType, err := messageTypeOf[T]()
	if err != nil {
		return nil, err
	}
	if err := adapter.claim(messageType, kind); err != nil {
		return nil, err
	}
	subscription := subscribe()
	if err := adapter.registry.RegisterCommand(handler); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		adapter.release(messageType)
		return nil, fmt.Errorf("gocommand: register %s %s: %w", kind, messageType, err)
	}
	return subscription, nil
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}
