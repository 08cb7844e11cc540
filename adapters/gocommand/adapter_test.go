package gocommand

import (
	"context"
	"strings"
	"testing"

	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

type pingMessage struct {
	ID string
}

func (pingMessage) Type() string { return "ledgersync.test.ping" }

type untypedMessage struct{}

func (untypedMessage) Type() string { return " " }

type lookupMessage struct {
	Key string
}

func (lookupMessage) Type() string { return "ledgersync.test.lookup" }

type queuedMessage struct{}

func (queuedMessage) Type() string { return "ledgersync.test.queued" }

func TestRegisterAndSubscribe_DispatchesOnce(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	executed := 0
	cmd := command.CommandFunc[pingMessage](func(context.Context, pingMessage) error {
		executed++
		return nil
	})

	sub, err := RegisterAndSubscribe(adapter, cmd)
	if err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if err := Dispatch(context.Background(), pingMessage{ID: "m1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected command execution count=1, got %d", executed)
	}
	if kind := adapter.Registered()["ledgersync.test.ping"]; kind != "command" {
		t.Fatalf("expected ping bound as command, got %q", kind)
	}
}

func TestRegisterAndSubscribe_RejectsSecondHandler(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	cmd := command.CommandFunc[pingMessage](func(context.Context, pingMessage) error { return nil })

	sub, err := RegisterAndSubscribe(adapter, cmd)
	if err != nil {
		t.Fatalf("first registration: %v", err)
	}
	defer sub.Unsubscribe()
	if _, err := RegisterAndSubscribe(adapter, cmd); err == nil || !strings.Contains(err.Error(), "already bound") {
		t.Fatalf("expected duplicate binding error, got %v", err)
	}
}

func TestRegisterAndSubscribe_RejectsEmptyMessageType(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	cmd := command.CommandFunc[untypedMessage](func(context.Context, untypedMessage) error { return nil })
	if _, err := RegisterAndSubscribe(adapter, cmd); err == nil {
		t.Fatalf("expected empty message type to be rejected")
	}
	if len(adapter.MessageTypes()) != 0 {
		t.Fatalf("expected nothing bound after rejection")
	}
}

func TestRegisterAndSubscribeQuery_ReturnsResult(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	qry := command.QueryFunc[lookupMessage, string](func(_ context.Context, msg lookupMessage) (string, error) {
		return "value:" + msg.Key, nil
	})
	sub, err := RegisterAndSubscribeQuery(adapter, qry)
	if err != nil {
		t.Fatalf("register query: %v", err)
	}
	defer sub.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	out, err := Query[lookupMessage, string](context.Background(), lookupMessage{Key: "k"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if out != "value:k" {
		t.Fatalf("unexpected query result %q", out)
	}
	if types := adapter.MessageTypes(); len(types) != 1 || types[0] != "ledgersync.test.lookup" {
		t.Fatalf("unexpected message types: %v", types)
	}
}

func TestQueueResolverMirrorsCommands(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()
	cmd := command.CommandFunc[queuedMessage](func(context.Context, queuedMessage) error { return nil })

	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	sub, err := RegisterAndSubscribe(adapter, cmd)
	if err != nil {
		t.Fatalf("register command: %v", err)
	}
	defer sub.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if _, ok := queueRegistry.Get("ledgersync.test.queued"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
	if err := adapter.AddQueueResolver("queue", nil); err == nil {
		t.Fatalf("expected nil queue registry to be rejected")
	}
}
