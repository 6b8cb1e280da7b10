package emit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Publisher holds the last artifact that was emitted successfully. Readers
// never observe a partially written configuration.
type Publisher struct {
	// Path, when set, receives a copy of every published artifact. The file
	// is replaced atomically.
	Path string

	cur atomic.Pointer[Artifact]
}

// Current returns the published artifact, or nil before the first Publish.
func (p *Publisher) Current() *Artifact { return p.cur.Load() }

// Publish writes a to Path (if any) and then makes it current. On a write
// error the previous artifact stays current.
func (p *Publisher) Publish(a *Artifact) error {
	if a == nil {
		return fmt.Errorf("publish: nil artifact")
	}
	if p.Path != "" {
		if err := writeFileAtomic(p.Path, a.YAML); err != nil {
			return serErr("EMIT_WRITE_FAILED", "配置文件写入失败", p.Path, err)
		}
	}
	p.cur.Store(a)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
