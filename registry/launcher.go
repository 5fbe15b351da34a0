package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
)

const (
	FromTrainingModel = "train_model"
	FromInference     = "inference"

	fromInferenceLabel = "推理服务"
)

// Finder is implemented by *Client.
type Finder interface {
	FindTrainingModel(ctx context.Context, name, version string) (Record, error)
	FindInferenceService(ctx context.Context, name, version, status string) (Record, error)
}

type Request struct {
	// From selects the registry view. Anything containing "inference" or
	// "推理服务" reads inference services, everything else ("train_model",
	// "模型管理") reads training models.
	From         string
	ModelName    string
	SubModelName string
	ModelVersion string
	ModelStatus  string
	SavePath     string
}

// DefaultVersion is the version used when none is given: today's first build.
func DefaultVersion(now time.Time) string {
	return now.Format("v2006.01.02") + ".1"
}

func (r Request) fromInference() bool {
	return strings.Contains(r.From, FromInference) || strings.Contains(r.From, fromInferenceLabel)
}

type Launcher struct {
	Registry Finder
	HTTP     *http.Client
}

func NewLauncher(r Finder) *Launcher {
	return &Launcher{Registry: r, HTTP: &http.Client{}}
}

// Download resolves the model path and copies the artifacts into
// req.SavePath. It returns the files it wrote.
func (l *Launcher) Download(ctx context.Context, req Request) ([]string, error) {
	defer func(t time.Time) { log.Debugf("launcher Download %s %v.", req.ModelName, time.Since(t)) }(time.Now())

	if req.ModelVersion == "" {
		req.ModelVersion = DefaultVersion(time.Now())
	}
	if req.SavePath == "" {
		req.SavePath = "."
	}
	if err := os.MkdirAll(req.SavePath, 0o755); err != nil {
		return nil, err
	}

	var (
		record    Record
		modelPath string
		written   []string
		err       error
	)

	if req.fromInference() {
		if record, err = l.Registry.FindInferenceService(ctx, req.ModelName, req.ModelVersion, req.ModelStatus); err != nil {
			return nil, err
		}
		modelPath = stringField(record, "model_path")
	} else {
		if record, err = l.Registry.FindTrainingModel(ctx, req.ModelName, req.ModelVersion); err != nil {
			return nil, err
		}
		modelPath = stringField(record, "path")
	}

	modelPath = subModelPath(strings.TrimSpace(modelPath), req.SubModelName)
	if modelPath == "" {
		return nil, fmt.Errorf("%s %s: %w", req.ModelName, req.ModelVersion, ErrModelNotFound)
	}
	log.Infof("model %s %s path %s", req.ModelName, req.ModelVersion, modelPath)

	if written, err = l.fetch(ctx, modelPath, req.SavePath); err != nil {
		return nil, err
	}

	if !req.fromInference() {
		var f string
		if f, err = dumpRecord(record, req.SavePath); err != nil {
			return written, err
		}
		written = append(written, f)
	}

	return written, nil
}

func (l *Launcher) fetch(ctx context.Context, src, dst string) ([]string, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		f, err := l.download(ctx, src, dst)
		if err != nil {
			return nil, err
		}
		return []string{f}, nil
	}

	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", src, ErrModelNotFound)
		}
		return nil, err
	}

	if !info.IsDir() {
		target := filepath.Join(dst, filepath.Base(src))
		if err = copyFile(src, target); err != nil {
			return nil, err
		}
		return []string{target}, nil
	}

	var written []string
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		target := filepath.Join(dst, d.Name())
		if err := copyFile(p, target); err != nil {
			return err
		}
		written = append(written, target)
		return nil
	})

	return written, err
}

func (l *Launcher) download(ctx context.Context, rawURL, dst string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "", fmt.Errorf("%s: no file name in url", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%s: %w", rawURL, ErrModelNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	target := filepath.Join(dst, name)
	f, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err = io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", err
	}

	return target, f.Close()
}

// subModelPath picks sub out of a path stored as a json object. A plain path
// is returned as is, a json object without sub yields "".
func subModelPath(p, sub string) string {
	if !strings.HasPrefix(p, "{") {
		return p
	}
	var paths map[string]interface{}
	if err := json.Unmarshal([]byte(p), &paths); err != nil {
		return p
	}
	s, _ := paths[sub].(string)

	return strings.TrimSpace(s)
}

func stringField(r Record, key string) string {
	if v, ok := r[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func dumpRecord(r Record, dir string) (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, fmt.Sprintf("%s.%s.json", stringField(r, "name"), stringField(r, "version")))

	return target, os.WriteFile(target, b, 0o644)
}

// copyFile replaces dst and keeps the mode and modification time of src.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
