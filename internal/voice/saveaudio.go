package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/page-companion/companion/internal/logging"
)

// AudioSaver keeps copies of utterances and replies on disk, each with a JSON
// sidecar describing it. A nil *AudioSaver saves nothing.
type AudioSaver struct {
	Dir string
	now func() time.Time
}

// NewAudioSaver returns nil when dir is empty.
func NewAudioSaver(dir string) *AudioSaver {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &AudioSaver{Dir: dir, now: time.Now}
}

type audioSidecar struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	AudioPath string         `json:"audio_path"`
	Bytes     int            `json:"bytes"`
	SavedAt   time.Time      `json:"saved_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Save writes audio and its sidecar. kind is "utterance" or "reply".
func (s *AudioSaver) Save(kind, id, ext string, audio []byte, meta map[string]any) (string, error) {
	if s == nil {
		return "", nil
	}
	ts := s.now().UTC()
	base := fmt.Sprintf("%s_%s_%s", ts.Format("20060102T150405.000Z"), kind, id)
	audioPath := filepath.Join(s.Dir, base+"."+ext)
	if err := writeFileAtomic(audioPath, audio, 0o644); err != nil {
		return "", fmt.Errorf("save %s audio: %w", kind, err)
	}
	sc, err := json.MarshalIndent(audioSidecar{
		ID: id, Kind: kind, AudioPath: audioPath, Bytes: len(audio), SavedAt: ts, Meta: meta,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.Dir, base+".json"), sc, 0o644); err != nil {
		return "", fmt.Errorf("save %s sidecar: %w", kind, err)
	}
	logging.Debugw("saveaudio: saved", "kind", kind, "id", id, "path", audioPath, "bytes", len(audio))
	return audioPath, nil
}

// StartCleaner prunes saved pairs older than retention on every interval and
// keeps at most maxFiles pairs when maxFiles > 0. The caller must wg.Add(1)
// first.
func (s *AudioSaver) StartCleaner(ctx context.Context, wg *sync.WaitGroup, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		if s == nil {
			return
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := s.prune(s.now().Add(-retention), maxFiles); n > 0 {
					logging.Debugw("saveaudio: pruned", "removed", n, "dir", s.Dir)
				}
			}
		}
	}()
}

type savedPair struct {
	jsonPath  string
	audioPath string
	mod       time.Time
}

// prune removes pairs modified before cutoff, then the oldest pairs beyond
// maxFiles. It returns the number of pairs removed.
func (s *AudioSaver) prune(cutoff time.Time, maxFiles int) int {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		logging.Debugw("saveaudio: cleanup readDir failed", "err", err)
		return 0
	}
	var pairs []savedPair
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(s.Dir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := savedPair{jsonPath: jsonPath, mod: info.ModTime()}
		if b, err := os.ReadFile(jsonPath); err == nil {
			var sc audioSidecar
			if json.Unmarshal(b, &sc) == nil {
				p.audioPath = sc.AudioPath
			}
		}
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	removed := 0
	remove := func(p savedPair) {
		_ = os.Remove(p.jsonPath)
		if p.audioPath != "" {
			_ = os.Remove(p.audioPath)
		}
		removed++
	}
	keep := pairs[:0]
	for _, p := range pairs {
		if p.mod.Before(cutoff) {
			remove(p)
			continue
		}
		keep = append(keep, p)
	}
	if maxFiles > 0 && len(keep) > maxFiles {
		for _, p := range keep[:len(keep)-maxFiles] {
			remove(p)
		}
	}
	return removed
}

// writeFileAtomic writes to a temporary sibling, fsyncs and renames it into
// place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
