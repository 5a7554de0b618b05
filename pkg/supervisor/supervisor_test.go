package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lajosnagyuk/devrt/pkg/factory"
	"github.com/lajosnagyuk/devrt/pkg/module"
	"github.com/lajosnagyuk/devrt/pkg/platform"
)

// TestHelperProcess is not a real test. It stands in for a worker.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}

	switch args[1] {
	case "serve":
		// serve <addr>: addr must use the port handed over in PORT
		addr := args[2]
		if !strings.HasSuffix(addr, ":"+os.Getenv("PORT")) {
			fmt.Fprintf(os.Stderr, "addr %s does not match PORT=%s\n", addr, os.Getenv("PORT"))
			os.Exit(4)
		}
		fmt.Println("GREETING=" + os.Getenv("GREETING"))
		listenForever(addr)
	case "reverse":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			os.Exit(5)
		}
		fmt.Println(ln.Addr().(*net.TCPAddr).Port)
		fmt.Println("after port")
		acceptForever(ln)
	case "garbage":
		fmt.Println("not a port")
		time.Sleep(10 * time.Second)
	case "exit":
		os.Exit(3)
	}
	os.Exit(0)
}

func listenForever(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		os.Exit(5)
	}
	acceptForever(ln)
}

func acceptForever(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			os.Exit(6)
		}
		conn.Close()
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func helperArgs(args ...string) []string {
	return append([]string{os.Args[0], "-test.run=TestHelperProcess", "--"}, args...)
}

func testLauncher(out *syncBuffer) *Launcher {
	l := NewLauncher(platform.Current())
	l.Stdout = out
	l.Stderr = out
	l.StopTimeout = 2 * time.Second
	l.PortTimeout = 5 * time.Second
	return l
}

func descriptor(mode factory.StartMode, args ...string) *factory.LaunchDescriptor {
	return &factory.LaunchDescriptor{
		InstanceID: "0",
		Args:       helperArgs(args...),
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"GREETING":               "hi",
		},
		StartMode: mode,
	}
}

func build(t *testing.T, l *Launcher, desc *factory.LaunchDescriptor) *Worker {
	t.Helper()
	p, err := l.Build(desc)
	if err != nil {
		t.Fatal(err)
	}
	w := p.(*Worker)
	t.Cleanup(func() { w.Stop() })
	return w
}

func dial(port int) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func TestBuildRejectsEmptyCommand(t *testing.T) {
	l := NewLauncher(platform.Current())
	if _, err := l.Build(&factory.LaunchDescriptor{}); err == nil {
		t.Error("expected error for a descriptor without args")
	}
}

func TestWorkerEntrypointMode(t *testing.T) {
	out := &syncBuffer{}
	w := build(t, testLauncher(out), descriptor(factory.StartWithEntrypoint, "serve", "127.0.0.1:${PORT}"))

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.Port() == 0 {
		t.Fatal("no port assigned")
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	inst := newInstance(factory.InstanceSpec{ID: "0", Proxy: w, ExpectReady: true})
	inst.ReadyTimeout = 10 * time.Second
	if err := inst.waitReady(context.Background()); err != nil {
		t.Fatalf("worker never became ready: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "GREETING=hi") {
		t.Errorf("worker env not applied, output: %q", out.String())
	}

	done := w.Done()
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	default:
		t.Error("Stop returned before the process exited")
	}
	if w.State() == StateRunning {
		t.Errorf("state after Stop = %s", w.State())
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}

func TestWorkerShellWrapper(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no shell wrapper on windows")
	}
	out := &syncBuffer{}
	desc := descriptor(factory.StartWithEntrypoint, "serve", "127.0.0.1:${PORT}")
	desc.Args = append([]string{"exec"}, desc.Args...)
	w := build(t, testLauncher(out), desc)

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	inst := newInstance(factory.InstanceSpec{ID: "0", Proxy: w})
	inst.ReadyTimeout = 10 * time.Second
	if err := inst.waitReady(context.Background()); err != nil {
		t.Fatalf("wrapped worker never became ready: %v\n%s", err, out.String())
	}
	w.Stop()
}

func TestWorkerReverseMode(t *testing.T) {
	out := &syncBuffer{}
	w := build(t, testLauncher(out), descriptor(factory.StartReverse, "reverse"))

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := dial(w.Port()); err != nil {
		t.Fatalf("reported port %d not reachable: %v", w.Port(), err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "after port") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "after port") {
		t.Error("stdout after the port line was not forwarded")
	}
}

func TestWorkerReverseModeInvalidPort(t *testing.T) {
	w := build(t, testLauncher(&syncBuffer{}), descriptor(factory.StartReverse, "garbage"))

	err := w.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid port") {
		t.Fatalf("Start = %v, want invalid port error", err)
	}
	if w.State() != StateFailed {
		t.Errorf("state = %s, want failed", w.State())
	}
}

func TestWorkerExitCode(t *testing.T) {
	w := build(t, testLauncher(&syncBuffer{}), descriptor(factory.StartWithEntrypoint, "exit"))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
	}
	if w.ExitCode() != 3 {
		t.Errorf("ExitCode = %d, want 3", w.ExitCode())
	}
	if w.State() != StateFailed {
		t.Errorf("state = %s, want failed", w.State())
	}
}

func TestInstanceRestartsCrashedWorker(t *testing.T) {
	w := build(t, testLauncher(&syncBuffer{}), descriptor(factory.StartWithEntrypoint, "exit"))

	inst := newInstance(factory.InstanceSpec{ID: "0", Proxy: w})
	inst.RestartDelay = 10 * time.Millisecond
	inst.MaxRestartDelay = 20 * time.Millisecond

	if err := inst.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for inst.Restarts() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if inst.Restarts() < 2 {
		t.Errorf("restarts = %d, want at least 2", inst.Restarts())
	}

	if err := inst.Quit(); err != nil {
		t.Fatal(err)
	}
	if err := inst.Quit(); err != nil {
		t.Errorf("second Quit = %v", err)
	}
	if err := inst.Start(context.Background()); err == nil {
		t.Error("Start after Quit should fail")
	}
}

func TestInstanceReadinessFailsWhenWorkerExits(t *testing.T) {
	w := build(t, testLauncher(&syncBuffer{}), descriptor(factory.StartWithEntrypoint, "exit"))

	inst := newInstance(factory.InstanceSpec{ID: "0", Proxy: w, ExpectReady: true})
	inst.ReadyTimeout = 10 * time.Second

	err := inst.Start(context.Background())
	if err == nil {
		inst.Quit()
		t.Fatal("expected readiness error")
	}
}

func TestBackoff(t *testing.T) {
	inst := newInstance(factory.InstanceSpec{ID: "0"})
	inst.RestartDelay = time.Second
	inst.MaxRestartDelay = 5 * time.Second

	tests := []struct {
		fails int
		want  time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		inst.consecutiveFails = tt.fails
		if got := inst.backoff(); got != tt.want {
			t.Errorf("backoff(%d fails) = %v, want %v", tt.fails, got, tt.want)
		}
	}
}

func TestInstancePrefix(t *testing.T) {
	if got := instancePrefix(nil, "3"); got != "[3]" {
		t.Errorf("prefix without module = %q", got)
	}

	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte("runtime: python311\nservice: api\n"), 0644); err != nil {
		t.Fatal(err)
	}
	mod, err := module.Load(path, module.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := instancePrefix(mod, "3"); got != "[api/3]" {
		t.Errorf("prefix = %q, want [api/3]", got)
	}
}

func TestWorkerFindsCommandOnEnvironmentPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the worker binary")
	}
	self, err := filepath.Abs(os.Args[0])
	if err != nil {
		t.Fatal(err)
	}

	// The binary exists only in the environment's bin dir, not on the
	// PATH of the test process.
	bin := t.TempDir()
	script := "#!/bin/sh\nexec \"$DEVRT_TEST_BINARY\" -test.run=TestHelperProcess -- serve \"$@\"\n"
	if err := os.WriteFile(filepath.Join(bin, "envonly-worker"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	out := &syncBuffer{}
	desc := &factory.LaunchDescriptor{
		InstanceID: "0",
		Args:       []string{"envonly-worker", "127.0.0.1:${PORT}"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"GREETING":               "from-env",
			"DEVRT_TEST_BINARY":      self,
			"PATH":                   bin + string(os.PathListSeparator) + os.Getenv("PATH"),
		},
		StartMode: factory.StartWithEntrypoint,
	}
	w := build(t, testLauncher(out), desc)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst := newInstance(factory.InstanceSpec{ID: "0", Proxy: w})
	inst.ReadyTimeout = 10 * time.Second
	if err := inst.waitReady(context.Background()); err != nil {
		t.Fatalf("worker never became ready: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "GREETING=from-env") {
		t.Errorf("output = %q", out.String())
	}
}

func TestLookPathIn(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on the executable bit")
	}
	first, second := t.TempDir(), t.TempDir()
	os.WriteFile(filepath.Join(first, "plain"), []byte("data"), 0644)
	os.WriteFile(filepath.Join(second, "plain"), []byte("#!/bin/sh\n"), 0755)
	os.WriteFile(filepath.Join(first, "tool"), []byte("#!/bin/sh\n"), 0755)
	os.WriteFile(filepath.Join(second, "tool"), []byte("#!/bin/sh\n"), 0755)
	pathList := first + ":" + second

	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"tool", filepath.Join(first, "tool"), true},
		{"plain", filepath.Join(second, "plain"), true},
		{"missing", "", false},
		{"./tool", "", false},
	}
	for _, tt := range tests {
		got, ok := lookPathIn(tt.name, pathList, ":")
		if got != tt.want || ok != tt.ok {
			t.Errorf("lookPathIn(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
	if _, ok := lookPathIn("tool", "", ":"); ok {
		t.Error("empty PATH should find nothing")
	}
}
