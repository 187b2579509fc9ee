package nnodes

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/vmihailenco/msgpack/v5"
)

// Directory is a thin, filesystem-rooted working-path abstraction. Every
// Node embeds one; Root's Directory is rooted at the working directory
// the process was launched in.
type Directory struct {
	root string
}

// NewDirectory roots a Directory at path. It does not create the path on
// disk; use Mkdir for that.
func NewDirectory(path string) Directory {
	return Directory{root: filepath.Clean(path)}
}

// Path joins parts onto the directory root and returns the result as an
// absolute path (or the joined path as-is if it cannot be made absolute).
func (d Directory) Path(parts ...string) string {
	p := filepath.Join(append([]string{d.root}, parts...)...)
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// Rel returns d's root relative to another directory.
func (d Directory) Rel(to Directory) (string, error) {
	return filepath.Rel(to.root, d.root)
}

// Subdir returns a Directory rooted at a child path, without creating it.
func (d Directory) Subdir(parts ...string) Directory {
	return Directory{root: filepath.Join(append([]string{d.root}, parts...)...)}
}

func (d Directory) Has(name string) bool {
	_, err := os.Stat(d.Path(name))
	return err == nil
}

func (d Directory) IsDir(name string) bool {
	info, err := os.Stat(d.Path(name))
	return err == nil && info.IsDir()
}

// Ls lists entries matching a glob pattern relative to the directory,
// optionally restricted to subdirectories.
func (d Directory) Ls(pattern string, onlyDirs bool) ([]string, error) {
	matches, err := filepath.Glob(d.Path(pattern))
	if err != nil {
		return nil, err
	}
	if !onlyDirs {
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = filepath.Base(m)
		}
		return names, nil
	}
	var out []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			out = append(out, filepath.Base(m))
		}
	}
	return out, nil
}

func (d Directory) Mkdir(parts ...string) error {
	return os.MkdirAll(d.Path(parts...), 0o755)
}

// Rm removes files matching a glob pattern relative to the directory.
func (d Directory) Rm(pattern string) error {
	matches, err := filepath.Glob(d.Path(pattern))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			return err
		}
	}
	return nil
}

func (d Directory) Cp(src, dst string) error {
	in, err := os.Open(d.Path(src))
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(d.Path(dst))
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func (d Directory) Mv(src, dst string) error {
	return os.Rename(d.Path(src), d.Path(dst))
}

// Ln preserves relative links when both operands resolve to relative
// paths under the directory root.
func (d Directory) Ln(src, dst string) error {
	if !filepath.IsAbs(src) {
		rel, err := filepath.Rel(filepath.Dir(d.Path(dst)), d.Path(src))
		if err == nil {
			return os.Symlink(rel, d.Path(dst))
		}
	}
	return os.Symlink(d.Path(src), d.Path(dst))
}

// Read reads a text file relative to the directory root.
func (d Directory) Read(name string) (string, error) {
	b, err := os.ReadFile(d.Path(name))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d Directory) Readlines(name string) ([]string, error) {
	f, err := os.Open(d.Path(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// Write writes text to name, flushing and fsyncing before returning so
// the content is durable even across a crash immediately after (mirrors
// the original tool's explicit flush+fsync write discipline). mode "a"
// appends, anything else (including "") truncates.
func (d Directory) Write(text, name, mode string) error {
	flags := os.O_CREATE | os.O_WRONLY
	if mode == "a" {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(d.Path(name), flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(text); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return nil
}

func (d Directory) Writelines(lines []string, name string) error {
	return d.Write(strings.Join(lines, "\n")+"\n", name, "")
}

// Load decodes name according to its extension: .pickle (msgpack binary
// object graph), .toml, .json, or .npy (gonum-backed numeric matrix).
func (d Directory) Load(name string) (any, error) {
	switch filepath.Ext(name) {
	case ".pickle":
		b, err := os.ReadFile(d.Path(name))
		if err != nil {
			return nil, err
		}
		var v any
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil

	case ".toml":
		var v map[string]any
		if _, err := toml.DecodeFile(d.Path(name), &v); err != nil {
			return nil, err
		}
		return v, nil

	case ".json":
		return loadJSON(d.Path(name))

	case ".npy":
		return loadMat(d.Path(name))

	default:
		return nil, fmt.Errorf("nnodes: unsupported load format %q", name)
	}
}

// LoadInto decodes a .pickle file directly into a concrete out pointer
// (used for the root checkpoint snapshot, where the generic any-shaped
// Load would lose struct field types on the round trip).
func (d Directory) LoadInto(name string, out any) error {
	b, err := os.ReadFile(d.Path(name))
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(b, out)
}

// Dump encodes v to name according to its extension, then fsyncs.
func (d Directory) Dump(v any, name string) error {
	switch filepath.Ext(name) {
	case ".pickle":
		b, err := msgpack.Marshal(v)
		if err != nil {
			return err
		}
		return d.writeBytes(b, name)

	case ".toml":
		f, err := os.Create(d.Path(name))
		if err != nil {
			return err
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(v); err != nil {
			return err
		}
		return f.Sync()

	case ".json":
		return dumpJSON(v, d.Path(name))

	case ".npy":
		return dumpMat(v, d.Path(name))

	default:
		return fmt.Errorf("nnodes: unsupported dump format %q", name)
	}
}

func (d Directory) writeBytes(b []byte, name string) error {
	f, err := os.OpenFile(d.Path(name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	return f.Sync()
}

// Call runs cmd in the directory and blocks until it exits.
func (d Directory) Call(ctx context.Context, cmd string) error {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = d.root
	return c.Run()
}

// CallAsync spawns cmd in the directory, redirecting stdout/stderr to the
// given files, and returns once it completes.
func (d Directory) CallAsync(ctx context.Context, cmd string, stdout, stderr io.Writer) error {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = d.root
	c.Stdout = stdout
	c.Stderr = stderr
	return c.Run()
}
