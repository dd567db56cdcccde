package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/floegence/threadline/internal/ai"
	"github.com/floegence/threadline/internal/settings"
)

const maxInputFileBytes = 32 << 20

// stringList collects a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config-path", "", "Config path (default: ~/.threadline/config.json)")
}

func parseThreadID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid thread id %q", raw)
	}
	return id, nil
}

func sendCmd(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := configFlag(fs)
	threadRaw := fs.String("thread", "", "Thread id (default: start a new thread)")
	name := fs.String("name", "", "Name for a new thread")
	threadContext := fs.String("context", "", "Instructions for a new thread")
	model := fs.String("model", "", "Model for a new thread (default: agent.model)")
	parent := fs.String("parent", "", "Branch from this message id, or \"root\" (default: latest message)")
	audioPath := fs.String("audio", "", "Send a recorded audio file instead of text")
	image := fs.Bool("image", false, "Request image generation")
	search := fs.String("search", "auto", "Web search: auto|on|off")
	syncWait := fs.Duration("sync-wait", 15*time.Second, "How long to wait for remote sync after the reply")
	var files stringList
	fs.Var(&files, "file", "Attach a file (repeatable)")
	_ = fs.Parse(args)

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	hints, err := parseHints(*image, *search)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --search: %v\n\n", err)
		fs.Usage()
		os.Exit(2)
	}
	in := ai.TurnInput{Text: text, Hints: hints, ParentID: strings.TrimSpace(*parent)}
	for _, p := range files {
		f, err := readFileInput(p)
		if err != nil {
			fatalf("read %s: %v", p, err)
		}
		in.Files = append(in.Files, f)
	}
	if strings.TrimSpace(*audioPath) != "" {
		f, err := readFileInput(*audioPath)
		if err != nil {
			fatalf("read %s: %v", *audioPath, err)
		}
		in.Audio = &ai.AudioInput{Name: f.Name, MimeType: f.MimeType, Data: f.Data}
	}
	if in.Text == "" && in.Audio == nil && len(in.Files) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	e, err := openEnv(*configPath, true)
	if err != nil {
		fatalf("%s", explain(err))
	}
	defer e.close()
	exit := func(code int) {
		e.close()
		os.Exit(code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var threadID uuid.UUID
	if strings.TrimSpace(*threadRaw) != "" {
		if threadID, err = parseThreadID(*threadRaw); err != nil {
			fatalf("%v", err)
		}
	} else {
		info, err := e.svc.CreateThread(ctx, ai.CreateThreadOptions{Name: *name, Context: *threadContext, Model: *model})
		if err != nil {
			fatalf("create thread: %v", err)
		}
		threadID = info.ID
		fmt.Fprintf(os.Stderr, "thread %s\n", threadID)
	}

	// SIGINT cancels the pending turn; the result of the in-flight call is discarded.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	go func() {
		select {
		case <-stop:
			if ok, err := e.svc.Cancel(context.Background(), threadID); err != nil {
				e.log.Warn("cancel failed", "thread_id", threadID, "error", err)
			} else if ok {
				fmt.Fprintln(os.Stderr, "cancelled")
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := e.svc.SendTurn(ctx, threadID, in)
	if err != nil {
		if ctx.Err() != nil {
			exit(130)
		}
		fatalf("%s", explain(err))
	}
	if !res.Committed && !res.Failed {
		exit(130)
	}

	th, err := e.svc.Thread(ctx, threadID)
	if err != nil {
		fatalf("%v", err)
	}
	reply, _ := th.Lookup(res.AssistantMessageID)
	if strings.TrimSpace(reply.Thinking) != "" {
		fmt.Fprintln(os.Stderr, reply.Thinking)
	}
	fmt.Println(reply.Text)
	for _, a := range reply.Attachments {
		fmt.Fprintf(os.Stderr, "attachment %s %s (%s)\n", shortHash(a.Content.Hash), a.FileName, a.MimeType)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), *syncWait)
	defer waitCancel()
	if err := e.svc.Wait(waitCtx); err != nil {
		e.log.Warn("remote sync still running at exit; it resumes with the next turn", "thread_id", threadID)
	}
	if res.Failed {
		exit(1)
	}
}

func parseHints(image bool, search string) (ai.CapabilityHints, error) {
	h := ai.CapabilityHints{ImageGeneration: image}
	switch strings.ToLower(strings.TrimSpace(search)) {
	case "", "auto":
	case "on", "true", "yes":
		v := true
		h.WebSearch = &v
	case "off", "false", "no":
		v := false
		h.WebSearch = &v
	default:
		return ai.CapabilityHints{}, fmt.Errorf("want auto|on|off, got %q", search)
	}
	return h, nil
}

func readFileInput(path string) (ai.FileInput, error) {
	st, err := os.Stat(path)
	if err != nil {
		return ai.FileInput{}, err
	}
	if st.IsDir() {
		return ai.FileInput{}, errors.New("is a directory")
	}
	if st.Size() > maxInputFileBytes {
		return ai.FileInput{}, fmt.Errorf("file too large (max %d bytes)", maxInputFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ai.FileInput{}, err
	}
	return ai.FileInput{Name: filepath.Base(path), MimeType: detectMime(path, data), Data: data}, nil
}

func detectMime(path string, data []byte) string {
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); mt != "" {
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
		return strings.TrimSpace(mt)
	}
	mt := http.DetectContentType(data)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(mt)
}

func threadsCmd(args []string) {
	fs := flag.NewFlagSet("threads", flag.ExitOnError)
	configPath := configFlag(fs)
	limit := fs.Int("limit", 20, "Page size")
	cursor := fs.String("cursor", "", "Cursor printed by the previous page")
	format := fs.String("format", "text", "Output format: text|json")
	_ = fs.Parse(args)

	e, err := openEnv(*configPath, true)
	if err != nil {
		fatalf("%s", explain(err))
	}
	defer e.close()

	list, next, err := e.svc.ListThreads(context.Background(), *limit, *cursor)
	if err != nil {
		fatalf("list threads: %v", err)
	}
	if strings.EqualFold(strings.TrimSpace(*format), "json") {
		writeJSON(map[string]any{"threads": list, "next_cursor": next})
		return
	}
	writeThreadList(os.Stdout, list)
	if next != "" {
		fmt.Fprintf(os.Stderr, "more: threadline threads --cursor %s\n", next)
	}
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := configFlag(fs)
	format := fs.String("format", "text", "Output format: text|json")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	id, err := parseThreadID(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}

	e, err := openEnv(*configPath, true)
	if err != nil {
		fatalf("%s", explain(err))
	}
	defer e.close()

	th, err := e.svc.Thread(context.Background(), id)
	if err != nil {
		fatalf("%v", err)
	}
	if strings.EqualFold(strings.TrimSpace(*format), "json") {
		writeJSON(map[string]any{"thread": th.Info(), "request_state": e.svc.RequestState(id), "messages": th.Messages()})
		return
	}
	writeThread(os.Stdout, th, e.svc.RequestState(id))
}

func renameCmd(args []string) {
	fs := flag.NewFlagSet("rename", flag.ExitOnError)
	configPath := configFlag(fs)
	_ = fs.Parse(args)
	if fs.NArg() < 2 {
		fs.Usage()
		os.Exit(2)
	}
	id, err := parseThreadID(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	e, err := openEnv(*configPath, true)
	if err != nil {
		fatalf("%s", explain(err))
	}
	defer e.close()
	if err := e.svc.RenameThread(context.Background(), id, strings.Join(fs.Args()[1:], " ")); err != nil {
		fatalf("rename: %v", err)
	}
}

func deleteCmd(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := configFlag(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	id, err := parseThreadID(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	e, err := openEnv(*configPath, true)
	if err != nil {
		fatalf("%s", explain(err))
	}
	defer e.close()
	if err := e.svc.DeleteThread(context.Background(), id); err != nil {
		fatalf("delete: %s", explain(err))
	}
}

func shareCmd(args []string) {
	fs := flag.NewFlagSet("share", flag.ExitOnError)
	configPath := configFlag(fs)
	timeout := fs.Duration("timeout", 60*time.Second, "Request timeout")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	id, err := parseThreadID(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	e, err := openEnv(*configPath, true)
	if err != nil {
		fatalf("%s", explain(err))
	}
	defer e.close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	code, err := e.svc.Share(ctx, id)
	if err != nil {
		fatalf("share: %s", explain(err))
	}
	fmt.Println(code)
}

func openSharedCmd(args []string) {
	fs := flag.NewFlagSet("open-shared", flag.ExitOnError)
	configPath := configFlag(fs)
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	e, err := openEnv(*configPath, true)
	if err != nil {
		fatalf("%s", explain(err))
	}
	defer e.close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	info, err := e.svc.OpenShared(ctx, fs.Arg(0))
	if err != nil {
		fatalf("open shared thread: %s", explain(err))
	}
	th, err := e.svc.Thread(ctx, info.ID)
	if err != nil {
		fatalf("%v", err)
	}
	writeThread(os.Stdout, th, e.svc.RequestState(info.ID))
}

func pullCmd(args []string) {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	configPath := configFlag(fs)
	all := fs.Bool("all", false, "Pull every thread the remote store lists")
	timeout := fs.Duration("timeout", 2*time.Minute, "Request timeout")
	_ = fs.Parse(args)
	if (*all && fs.NArg() != 0) || (!*all && fs.NArg() != 1) {
		fs.Usage()
		os.Exit(2)
	}
	e, err := openEnv(*configPath, true)
	if err != nil {
		fatalf("%s", explain(err))
	}
	defer e.close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if *all {
		n, err := e.svc.PullAll(ctx)
		if err != nil {
			fatalf("pull: %s", explain(err))
		}
		fmt.Printf("%d threads pulled\n", n)
		return
	}
	id, err := parseThreadID(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	added, err := e.svc.Pull(ctx, id)
	if err != nil {
		fatalf("pull: %s", explain(err))
	}
	fmt.Printf("%d new messages\n", added)
}

func whoamiCmd(args []string) {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	configPath := configFlag(fs)
	_ = fs.Parse(args)
	e, err := openEnv(*configPath, true)
	if err != nil {
		fatalf("%s", explain(err))
	}
	defer e.close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	u, err := e.svc.WhoAmI(ctx)
	if err != nil {
		fatalf("whoami: %s", explain(err))
	}
	switch {
	case u.Name != "" && u.Email != "":
		fmt.Printf("%s <%s>\n", u.Name, u.Email)
	case u.Email != "":
		fmt.Println(u.Email)
	default:
		fmt.Println(u.ID)
	}
}

func activityCmd(args []string) {
	fs := flag.NewFlagSet("activity", flag.ExitOnError)
	configPath := configFlag(fs)
	limit := fs.Int("limit", 50, "Number of entries")
	format := fs.String("format", "text", "Output format: text|json")
	_ = fs.Parse(args)

	e, err := openEnv(*configPath, true)
	if err != nil {
		fatalf("%s", explain(err))
	}
	defer e.close()

	entries, err := e.svc.Activity(*limit)
	if err != nil {
		fatalf("activity: %v", err)
	}
	if strings.EqualFold(strings.TrimSpace(*format), "json") {
		writeJSON(map[string]any{"pending": e.svc.ActiveRequests(), "entries": entries})
		return
	}
	writeActivity(os.Stdout, entries, e.svc.ActiveRequests())
}

func setKeyCmd(args []string) {
	fs := flag.NewFlagSet("set-key", flag.ExitOnError)
	configPath := configFlag(fs)
	clearKey := fs.Bool("clear", false, "Remove the secret")
	_ = fs.Parse(args)
	if fs.NArg() != 1 || !settings.KnownSecret(fs.Arg(0)) {
		fmt.Fprintf(os.Stderr, "want one of: %s\n", strings.Join(settings.KnownSecretNames(), ", "))
		os.Exit(2)
	}
	name := fs.Arg(0)

	e, err := openEnv(*configPath, false)
	if err != nil {
		fatalf("%s", explain(err))
	}
	if *clearKey {
		if err := e.secrets.Clear(name); err != nil {
			fatalf("clear %s: %v", name, err)
		}
		return
	}

	value, err := readSecret(name)
	if err != nil {
		fatalf("read %s: %v", name, err)
	}
	if err := e.secrets.Set(name, value); err != nil {
		fatalf("save %s: %v", name, err)
	}
	fmt.Fprintf(os.Stderr, "%s saved to %s\n", name, e.secrets.Path())
}

// readSecret prompts without echo on a terminal and reads one line from stdin otherwise.
func readSecret(name string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(os.Stderr, "%s: ", name)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func writeJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encode: %v", err)
	}
}
