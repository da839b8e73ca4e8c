package firewall

import (
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(name string, args ...string) error {
	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	return m.Called(callArgs...).Error(0)
}

func TestScript(t *testing.T) {
	b := Batch{Rules: []Rule{
		{Family: FamilyIPv4, Op: OpPolicy, Chain: ChainInput, Target: TargetDrop},
		{Family: FamilyIPv4, Op: OpAppend, Chain: ChainOutput, Match: Match{UIDOwner: "it's"}, Target: TargetAccept},
		{Family: FamilyIPv6, Op: OpFlush},
	}}
	assert.Equal(t,
		`iptables -P INPUT DROP && iptables -A OUTPUT -m owner --uid-owner 'it'"'"'s' -j ACCEPT && ip6tables -F`,
		Script(b))
}

func TestShellQuote(t *testing.T) {
	testCases := map[string]string{
		"debian-tor":      "debian-tor",
		"127.0.0.1/32":    "127.0.0.1/32",
		"ESTABLISHED,REL": "ESTABLISHED,REL",
		"a b":             "'a b'",
		"$(id)":           "'$(id)'",
		"x;y":             "'x;y'",
		"":                "''",
	}
	for in, want := range testCases {
		assert.Equal(t, want, shellQuote(in), "input %q", in)
	}
}

func TestBatchExecutor_Elevates(t *testing.T) {
	r := &mockRunner{}
	e := NewBatchExecutor("", r)
	e.euid = func() int { return 1000 }

	b := OpenBatch()
	r.On("Run", "pkexec", "sh", "-c", Script(b)).Return(nil).Once()

	require.NoError(t, e.Execute(b))
	r.AssertExpectations(t)
}

func TestBatchExecutor_RootSkipsElevation(t *testing.T) {
	r := &mockRunner{}
	e := NewBatchExecutor("sudo", r)
	e.euid = func() int { return 0 }

	b := OpenBatch()
	r.On("Run", "sh", "-c", Script(b)).Return(nil).Once()

	require.NoError(t, e.Execute(b))
	r.AssertExpectations(t)
}

func TestBatchExecutor_SingleInvocation(t *testing.T) {
	r := &mockRunner{}
	e := NewBatchExecutor("pkexec", r)
	e.euid = func() int { return 1000 }

	b, err := ProtectedBatch(Posture{ProxyUser: "proxyuser", DNSPort: 5353, TransPort: 9040})
	require.NoError(t, err)
	r.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, e.Execute(b))
	r.AssertNumberOfCalls(t, "Run", 1)

	script := r.Calls[0].Arguments.String(3)
	assert.Equal(t, len(b.Rules)-1, strings.Count(script, " && "))
	assert.True(t, strings.HasPrefix(script, "iptables -P INPUT DROP && "))
	assert.True(t, strings.HasSuffix(script, " && ip6tables -P FORWARD DROP"))
}

func TestBatchExecutor_Failure(t *testing.T) {
	r := &mockRunner{}
	e := NewBatchExecutor("pkexec", r)
	e.euid = func() int { return 1000 }

	// exit status 126 is what pkexec returns when the operator dismisses the prompt
	cmd := exec.Command("sh", "-c", "exit 126")
	runErr := cmd.Run()
	require.Error(t, runErr)
	r.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(runErr)

	err := e.Execute(OpenBatch())
	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, BatchOpen, execErr.Batch)
	assert.Equal(t, 126, execErr.Status)
	assert.Contains(t, err.Error(), "incomplete")
}

func TestBatchExecutor_Empty(t *testing.T) {
	r := &mockRunner{}
	e := NewBatchExecutor("", r)
	require.NoError(t, e.Execute(Batch{Name: "empty"}))
	r.AssertNumberOfCalls(t, "Run", 0)
}
