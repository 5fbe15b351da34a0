package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFinder struct {
	training  Record
	inference Record
	status    string
}

func (f *fakeFinder) FindTrainingModel(ctx context.Context, name, version string) (Record, error) {
	if f.training == nil {
		return nil, ErrModelNotFound
	}
	return f.training, nil
}

func (f *fakeFinder) FindInferenceService(ctx context.Context, name, version, status string) (Record, error) {
	f.status = status
	if f.inference == nil {
		return nil, ErrModelNotFound
	}
	return f.inference, nil
}

func writeFile(t *testing.T, p, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestDefaultVersion(t *testing.T) {
	assert.Equal(t, "v2024.03.07.1", DefaultVersion(time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)))
}

func TestRequestFromInference(t *testing.T) {
	tests := []struct {
		from string
		want bool
	}{
		{FromInference, true},
		{"推理服务", true},
		{"推理服务(online)", true},
		{FromTrainingModel, false},
		{"模型管理", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Request{From: tt.from}.fromInference(), tt.from)
	}
}

func TestLauncher_InferenceLabel(t *testing.T) {
	src := filepath.Join(t.TempDir(), "model.bin")
	writeFile(t, src, "weights")
	save := filepath.Join(t.TempDir(), "out")

	f := &fakeFinder{inference: Record{"name": "ner", "model_path": src}}
	files, err := NewLauncher(f).Download(context.Background(), Request{From: "推理服务", ModelName: "ner", ModelStatus: "online", SavePath: save})
	require.NoError(t, err)
	assert.Equal(t, "online", f.status)
	assert.Equal(t, []string{filepath.Join(save, "model.bin")}, files)

	_, err = NewLauncher(&fakeFinder{inference: Record{"model_path": src}}).Download(context.Background(), Request{From: "模型管理", ModelName: "ner", SavePath: save})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestLauncher_CopiesFileAndDumpsRecord(t *testing.T) {
	src := filepath.Join(t.TempDir(), "model.bin")
	writeFile(t, src, "weights")
	save := filepath.Join(t.TempDir(), "out")

	l := NewLauncher(&fakeFinder{training: Record{"name": "ner", "version": "v1", "path": src}})
	files, err := l.Download(context.Background(), Request{From: FromTrainingModel, ModelName: "ner", ModelVersion: "v1", SavePath: save})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(save, "model.bin"), filepath.Join(save, "ner.v1.json")}, files)

	data, err := os.ReadFile(filepath.Join(save, "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	data, err = os.ReadFile(filepath.Join(save, "ner.v1.json"))
	require.NoError(t, err)
	var dumped map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &dumped))
	assert.Equal(t, src, dumped["path"])
}

func TestLauncher_FlattensDirectory(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "a")
	writeFile(t, filepath.Join(src, "nested", "deep", "b.txt"), "b")
	save := t.TempDir()
	writeFile(t, filepath.Join(save, "a.txt"), "old")

	l := NewLauncher(&fakeFinder{inference: Record{"model_path": src}})
	files, err := l.Download(context.Background(), Request{From: FromInference, ModelName: "ner", ModelVersion: "v1", SavePath: save})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{filepath.Join(save, "a.txt"), filepath.Join(save, "b.txt")}, files)

	data, _ := os.ReadFile(filepath.Join(save, "a.txt"))
	assert.Equal(t, "a", string(data))
	data, _ = os.ReadFile(filepath.Join(save, "b.txt"))
	assert.Equal(t, "b", string(data))
	_, err = os.Stat(filepath.Join(save, "ner.v1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestLauncher_SubModel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "crf.bin"), "crf")
	writeFile(t, filepath.Join(dir, "bert.bin"), "bert")
	paths, _ := json.Marshal(map[string]string{
		"crf":  filepath.Join(dir, "crf.bin"),
		"bert": filepath.Join(dir, "bert.bin"),
	})
	save := t.TempDir()

	f := &fakeFinder{inference: Record{"model_path": string(paths)}}
	files, err := NewLauncher(f).Download(context.Background(), Request{
		From: FromInference, ModelName: "ner", ModelVersion: "v1", ModelStatus: "online", SubModelName: "bert", SavePath: save,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(save, "bert.bin")}, files)
	assert.Equal(t, "online", f.status)

	_, err = NewLauncher(f).Download(context.Background(), Request{From: FromInference, ModelName: "ner", SubModelName: "lstm", SavePath: save})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestLauncher_DownloadsURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/models/ner.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("archive"))
	})
	s := httptest.NewServer(mux)
	defer s.Close()
	save := t.TempDir()

	l := NewLauncher(&fakeFinder{inference: Record{"model_path": s.URL + "/models/ner.tar.gz"}})
	files, err := l.Download(context.Background(), Request{From: FromInference, ModelName: "ner", SavePath: save})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(save, "ner.tar.gz")}, files)
	data, _ := os.ReadFile(filepath.Join(save, "ner.tar.gz"))
	assert.Equal(t, "archive", string(data))

	l = NewLauncher(&fakeFinder{inference: Record{"model_path": s.URL + "/models/missing.tar.gz"}})
	_, err = l.Download(context.Background(), Request{From: FromInference, ModelName: "ner", SavePath: save})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestLauncher_NotFound(t *testing.T) {
	save := t.TempDir()

	_, err := NewLauncher(&fakeFinder{}).Download(context.Background(), Request{ModelName: "ner", SavePath: save})
	assert.ErrorIs(t, err, ErrModelNotFound)

	_, err = NewLauncher(&fakeFinder{training: Record{"name": "ner", "path": ""}}).Download(context.Background(), Request{ModelName: "ner", SavePath: save})
	assert.ErrorIs(t, err, ErrModelNotFound)

	_, err = NewLauncher(&fakeFinder{training: Record{"name": "ner", "path": filepath.Join(save, "nope")}}).Download(context.Background(), Request{ModelName: "ner", SavePath: save})
	assert.ErrorIs(t, err, ErrModelNotFound)
}
