package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var errNoFile = errors.New(`missing "file" part`)

// upload is a media file streamed to disk from a multipart request.
type upload struct {
	Path string
	Name string
	Size int64
	Opts submitOptions
}

// receiveUpload streams the "file" part of a multipart request into dir. Any
// other part is read as a job option. The body is capped at maxBytes; on
// error nothing is left on disk.
func receiveUpload(w http.ResponseWriter, r *http.Request, dir string, maxBytes int64) (*upload, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload dir: %w", err)
	}

	var up upload
	ok := false
	defer func() {
		if !ok && up.Path != "" {
			os.Remove(up.Path)
		}
	}()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if part.FormName() == "file" {
			if up.Path != "" {
				part.Close()
				return nil, errors.New(`more than one "file" part`)
			}
			up.Name = filepath.Base(part.FileName())
			up.Path, up.Size, err = saveUpload(part, dir, up.Name)
			part.Close()
			if err != nil {
				return nil, err
			}
			continue
		}

		raw, err := io.ReadAll(io.LimitReader(part, 1024))
		part.Close()
		if err != nil {
			return nil, err
		}
		if err := up.Opts.set(part.FormName(), strings.TrimSpace(string(raw))); err != nil {
			return nil, err
		}
	}

	if up.Path == "" {
		return nil, errNoFile
	}
	if up.Size == 0 {
		return nil, errors.New("uploaded file is empty")
	}
	ok = true
	return &up, nil
}

// saveUpload writes src to a unique file in dir that keeps the original
// extension so ffprobe can sniff the container.
func saveUpload(src io.Reader, dir, name string) (string, int64, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	f, err := os.CreateTemp(dir, "upload-*"+ext)
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), n, nil
}

// set applies one multipart form field to the options.
func (o *submitOptions) set(name, value string) error {
	if value == "" {
		return nil
	}
	switch name {
	case "model":
		o.Model = value
	case "language":
		o.Language = value
	case "timestamps":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid timestamps %q", value)
		}
		o.Timestamps = &b
	case "max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid max_retries %q", value)
		}
		o.MaxRetries = &n
	case "initial_backoff":
		o.InitialBackoff = value
	}
	return nil
}
