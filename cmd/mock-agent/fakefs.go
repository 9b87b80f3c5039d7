package main

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeFS is an in-memory file tree served by the mock agent. Directories
// are implied by file paths.
type fakeFS struct {
	mu    sync.Mutex
	files map[string]string
	mtime time.Time
}

func newFakeFS() *fakeFS {
	fs := &fakeFS{
		files: map[string]string{},
		mtime: time.Now().UTC(),
	}
	fs.files["/etc/hostname"] = "mock-node\n"
	fs.files["/etc/manlab/agent.yaml"] = "server: ws://localhost:8080/ws/agent\nheartbeat: 15s\n"
	fs.files["/home/demo/notes.txt"] = "remember to rotate the backups\n"
	fs.files["/home/demo/report.csv"] = "day,requests\nmon,120\ntue,340\nwed,98\n"
	fs.files["/var/log/syslog"] = buildSyslog(200)
	fs.files["/var/log/manlab-agent.log"] = buildAgentLog(80)
	return fs
}

func buildSyslog(lines int) string {
	var b strings.Builder
	base := time.Now().Add(-time.Duration(lines) * time.Minute)
	for i := 0; i < lines; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Format("Jan _2 15:04:05")
		fmt.Fprintf(&b, "%s mock-node systemd[1]: heartbeat tick %d\n", ts, i)
	}
	return b.String()
}

func buildAgentLog(lines int) string {
	var b strings.Builder
	base := time.Now().Add(-time.Duration(lines) * time.Second)
	for i := 0; i < lines; i++ {
		ts := base.Add(time.Duration(i) * time.Second).Format(time.RFC3339)
		fmt.Fprintf(&b, "%s INFO agent poll ok attempt=%d\n", ts, i)
	}
	return b.String()
}

// read returns a file's content.
func (f *fakeFS) read(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path.Clean(p)]
	return content, ok
}

// write creates or replaces a file. Used for simulated zip temp files.
func (f *fakeFS) write(p, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path.Clean(p)] = content
}

// list returns the entries directly under a directory, files and implied
// subdirectories both.
func (f *fakeFS) list(dir string) []fileInfo {
	dir = path.Clean(dir)
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	seen := map[string]fileInfo{}
	for p, content := range f.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if rest == "" {
			continue
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			name := rest[:idx]
			seen[name] = fileInfo{Name: name, Path: prefix + name, IsDir: true, ModTime: f.mtime}
			continue
		}
		seen[rest] = fileInfo{
			Name:    rest,
			Path:    p,
			IsDir:   false,
			Size:    int64(len(content)),
			ModTime: f.mtime,
		}
	}

	entries := make([]fileInfo, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

type fileInfo struct {
	Name    string
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}
