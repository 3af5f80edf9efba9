// Package lua implements the scripted filter: a user-supplied script
// sees the inbound request, may call resolve() to reach an upstream,
// answer() to set the reply and nocache() to suppress caching. Each
// query runs in a fresh gopher-lua VM with bounded wall-clock execution;
// a timeout or script error becomes SERVFAIL for that query.
package lua

import (
	"context"
	"time"

	"github.com/miekg/dns"
	luavm "github.com/yuin/gopher-lua"

	"github.com/treemana/zerodns/internal/client"
	"github.com/treemana/zerodns/internal/filter"
	"github.com/treemana/zerodns/internal/log"
	"github.com/treemana/zerodns/internal/zerodnserr"
)

// DefaultTimeout bounds a single script execution.
const DefaultTimeout = time.Second

func init() {
	filter.Register("lua", New)
}

// Filter loads a script once per filter instance and runs it, in a fresh
// VM, per query. Per-query isolates keep the interpreter free of shared
// mutable state across concurrent queries.
type Filter struct {
	script  string
	timeout time.Duration
}

// New builds a lua Filter from the `script` config prop (inline source).
func New(opts filter.Options) (filter.Filter, error) {
	script, _ := opts["script"].(string)
	if script == "" {
		return nil, zerodnserr.Wrap(zerodnserr.ErrConfig, "lua: script must be non-empty")
	}

	timeout := DefaultTimeout
	if ms, ok := opts["timeout_ms"].(int64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	return &Filter{script: script, timeout: timeout}, nil
}

// Handle implements filter.Filter: runs the script against a fresh VM,
// exposing request, resolve(), answer(), nocache() and log.
func (f *Filter) Handle(ctx context.Context, fc *filter.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	L := luavm.NewState()
	defer L.Close()
	L.SetContext(runCtx)

	env := &environment{ctx: runCtx, fc: fc}
	L.SetGlobal("request", env.requestTable(L))
	L.SetGlobal("resolve", L.NewFunction(env.resolve))
	L.SetGlobal("answer", L.NewFunction(env.answer))
	L.SetGlobal("nocache", L.NewFunction(env.nocache))
	L.SetGlobal("log", env.logTable(L))

	if err := L.DoString(f.script); err != nil {
		if runCtx.Err() != nil {
			return zerodnserr.Wrap(zerodnserr.ErrTimeout, "lua: script exceeded %s", f.timeout)
		}
		return zerodnserr.Wrap(zerodnserr.ErrScript, "lua: %v", err)
	}

	return nil
}

// replyField is the key under which a resolve() result table carries the
// decoded message it was built from, so answer() can commit it.
const replyField = "__reply"

// environment carries the per-query state the script's bound functions
// close over.
type environment struct {
	ctx             context.Context
	fc              *filter.Context
	pendingResponse *dns.Msg
}

func (e *environment) requestTable(L *luavm.LState) *luavm.LTable {
	t := L.NewTable()
	if len(e.fc.Request.Question) > 0 {
		q := e.fc.Request.Question[0]
		t.RawSetString("name", luavm.LString(q.Name))
		t.RawSetString("qtype", luavm.LString(dns.TypeToString[q.Qtype]))
	}
	if e.fc.ClientAddr != nil {
		t.RawSetString("remote", luavm.LString(e.fc.ClientAddr.String()))
	}
	return t
}

func (e *environment) logTable(L *luavm.LState) *luavm.LTable {
	t := L.NewTable()
	t.RawSetString("info", L.NewFunction(func(L *luavm.LState) int {
		log.Sugar.Info("lua: " + L.CheckString(1))
		return 0
	}))
	t.RawSetString("error", L.NewFunction(func(L *luavm.LState) int {
		log.Sugar.Error("lua: " + L.CheckString(1))
		return 0
	}))
	return t
}

// resolve(request, upstream) queries upstream with the current request
// and returns an answer table (or nil, err on failure). The request
// argument exists for symmetry with the request global and may be
// omitted; the upstream URI is always the last argument.
func (e *environment) resolve(L *luavm.LState) int {
	upstreamRaw := L.CheckString(L.GetTop())

	up, err := client.Parse(upstreamRaw)
	if err != nil {
		L.Push(luavm.LNil)
		L.Push(luavm.LString(err.Error()))
		return 2
	}

	resp, err := e.fc.Dispatcher.Query(e.ctx, up, e.fc.Request)
	if err != nil {
		L.Push(luavm.LNil)
		L.Push(luavm.LString(err.Error()))
		return 2
	}

	t := L.NewTable()
	t.RawSetString("rcode", luavm.LNumber(resp.Rcode))
	answers := L.NewTable()
	for i, rr := range resp.Answer {
		rt := L.NewTable()
		rt.RawSetString("text", luavm.LString(rr.String()))
		rt.RawSetString("ttl", luavm.LNumber(rr.Header().Ttl))
		answers.RawSetInt(i+1, rt)
	}
	t.RawSetString("answers", answers)

	ud := L.NewUserData()
	ud.Value = resp
	t.RawSetString(replyField, ud)

	e.pendingResponse = resp

	L.Push(t)
	return 1
}

// answer(msg) commits msg, a table returned by resolve(), as the query's
// response. With no argument it commits the most recent resolve() reply;
// with neither it is a no-op, leaving the server to reply SERVFAIL.
func (e *environment) answer(L *luavm.LState) int {
	if L.GetTop() >= 1 {
		t, ok := L.Get(1).(*luavm.LTable)
		if !ok {
			L.ArgError(1, "expected a reply from resolve()")
			return 0
		}
		ud, ok := t.RawGetString(replyField).(*luavm.LUserData)
		if !ok {
			L.ArgError(1, "expected a reply from resolve()")
			return 0
		}
		msg, ok := ud.Value.(*dns.Msg)
		if !ok {
			L.ArgError(1, "expected a reply from resolve()")
			return 0
		}
		e.fc.Response = msg
		return 0
	}

	if e.pendingResponse != nil {
		e.fc.Response = e.pendingResponse
	}
	return 0
}

func (e *environment) nocache(L *luavm.LState) int {
	e.fc.NoCache = true
	return 0
}
