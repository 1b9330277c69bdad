// Package commands resolves chat command lines to registered commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUnknownCommand is returned by Dispatch for names nobody registered.
var ErrUnknownCommand = errors.New("unknown command")

// Invocation describes who ran a command and where replies go.
type Invocation struct {
	User        string
	DisplayName string
	Channel     string
	Reply       func(text string)
}

func (inv Invocation) reply(text string) {
	if inv.Reply != nil {
		inv.Reply(text)
	}
}

type Command struct {
	Description string
	Run         func(ctx context.Context, inv Invocation, args []string) error
}

type Registry struct {
	mu      sync.RWMutex
	cmds    map[string]Command
	started time.Time
	now     func() time.Time
}

// NewRegistry returns a registry holding the built-in ping, help and uptime
// commands. now defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	r := &Registry{cmds: map[string]Command{}, started: now(), now: now}
	r.Register("ping", Command{Description: "check the bot is alive", Run: func(_ context.Context, inv Invocation, _ []string) error {
		inv.reply("Pong!")
		return nil
	}})
	r.Register("help", Command{Description: "list commands", Run: r.help})
	r.Register("uptime", Command{Description: "how long the bot has been running", Run: func(_ context.Context, inv Invocation, _ []string) error {
		inv.reply("Up for " + r.now().Sub(r.started).Truncate(time.Second).String())
		return nil
	}})
	return r
}

// Register adds or replaces the command name (case-insensitive).
func (r *Registry) Register(name string, c Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds[strings.ToLower(name)] = c
}

// Names lists registered command names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the command named by the first word of line.
func (r *Registry) Dispatch(ctx context.Context, line string, inv Invocation) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	name := strings.ToLower(fields[0])
	r.mu.RLock()
	c, ok := r.cmds[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownCommand, name)
	}
	return c.Run(ctx, inv, fields[1:])
}

func (r *Registry) help(_ context.Context, inv Invocation, args []string) error {
	if len(args) > 0 {
		r.mu.RLock()
		c, ok := r.cmds[strings.ToLower(args[0])]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w %q", ErrUnknownCommand, args[0])
		}
		inv.reply(strings.ToLower(args[0]) + ": " + c.Description)
		return nil
	}
	inv.reply("Commands: " + strings.Join(r.Names(), ", "))
	return nil
}
