package router

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/liliang-cn/semroute/internal/encoding"
	"github.com/liliang-cn/semroute/pkg/encoder"
)

// SnapshotVersion is the current snapshot layout version.
const SnapshotVersion = "2.0"

// Vector cache sidecar framing.
var vecMagic = [4]byte{'S', 'R', 'V', 'C'}

const vecVersion uint16 = 1

// Snapshot is the portable JSON form of a router: configuration, routes and
// their training utterances. It carries no vectors; those live in an
// optional binary sidecar keyed to the JSON digest.
type Snapshot struct {
	Version        string              `json:"version"`
	EncoderName    string              `json:"encoder_name"`
	ScoreThreshold float64             `json:"score_threshold"`
	Alpha          float64             `json:"alpha"`
	TopK           int                 `json:"top_k"`
	Routes         []SnapshotRoute     `json:"routes"`
	TrainingData   map[string][]string `json:"training_data,omitempty"`
	Timestamp      string              `json:"timestamp"`
	Metadata       SnapshotMetadata    `json:"metadata"`
}

// SnapshotRoute is one route as stored in a snapshot.
type SnapshotRoute struct {
	Name           string          `json:"name"`
	Utterances     []string        `json:"utterances"`
	ScoreThreshold *float64        `json:"score_threshold,omitempty"`
	FunctionSchema json.RawMessage `json:"function_schema,omitempty"`
}

// SnapshotMetadata summarizes snapshot contents.
type SnapshotMetadata struct {
	NumRoutes       int `json:"num_routes"`
	TotalUtterances int `json:"total_utterances"`
}

// Snapshot captures the router's current routes and configuration.
func (r *Router) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{
		Version:        SnapshotVersion,
		EncoderName:    r.cfg.EncoderName,
		ScoreThreshold: r.cfg.DefaultThreshold,
		Alpha:          r.cfg.Alpha,
		TopK:           r.cfg.TopK,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	total := 0
	for _, name := range r.order {
		route := r.routes[name]
		sr := SnapshotRoute{
			Name:           route.Name,
			Utterances:     append([]string(nil), route.Utterances...),
			FunctionSchema: route.FunctionSchema,
		}
		if route.ScoreThreshold != nil {
			t := *route.ScoreThreshold
			sr.ScoreThreshold = &t
		}
		snap.Routes = append(snap.Routes, sr)
		total += len(route.Utterances)
	}
	snap.Metadata = SnapshotMetadata{
		NumRoutes:       len(snap.Routes),
		TotalUtterances: total,
	}
	if len(r.training) > 0 {
		snap.TrainingData = make(map[string][]string, len(r.training))
		for route, queries := range r.training {
			snap.TrainingData[route] = append([]string(nil), queries...)
		}
	}
	return snap
}

// WriteSnapshot serializes the router as indented JSON.
func (r *Router) WriteSnapshot(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.Snapshot()); err != nil {
		return wrapError("snapshot", err)
	}
	return nil
}

// SaveSnapshot writes the snapshot JSON to path and a vector cache sidecar
// next to it, so a later load can skip re-embedding. The sidecar is an
// optimization only; the JSON alone is a complete snapshot.
func (r *Router) SaveSnapshot(path string) error {
	var buf bytes.Buffer
	if err := r.WriteSnapshot(&buf); err != nil {
		return err
	}
	data := buf.Bytes()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return wrapError("snapshot", err)
	}

	if err := r.saveVectorCache(vecCachePath(path), sha256.Sum256(data)); err != nil {
		r.logger.Warn("vector cache not written", "error", err)
	}
	return nil
}

// vecCachePath derives the sidecar path from the snapshot path.
func vecCachePath(path string) string {
	return strings.TrimSuffix(path, ".json") + ".vec"
}

// saveVectorCache writes every index entry's dense vector keyed by route and
// utterance, prefixed with the digest of the snapshot JSON it belongs to.
func (r *Router) saveVectorCache(path string, digest [sha256.Size]byte) error {
	entries := r.idx.Entries()
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	buf.Write(vecMagic[:])
	if err := binary.Write(&buf, binary.LittleEndian, vecVersion); err != nil {
		return err
	}
	buf.Write(digest[:])
	if err := binary.Write(&buf, binary.LittleEndian, int32(len(entries[0].Dense))); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, int32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := encoding.WriteString(&buf, e.Route); err != nil {
			return err
		}
		if err := encoding.WriteString(&buf, e.Utterance); err != nil {
			return err
		}
		if err := encoding.WriteVector(&buf, e.Dense); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// cachedVectors maps route name to dense vectors aligned with the route's
// utterance order in the snapshot.
type cachedVectors map[string][][]float32

// loadVectorCache reads a sidecar and returns its vectors when the embedded
// digest matches the snapshot JSON. Any mismatch or decode problem returns
// an error; callers fall back to re-encoding.
func loadVectorCache(path string, digest [sha256.Size]byte) (cachedVectors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	buf := bytes.NewReader(data)

	var magic [4]byte
	if _, err := io.ReadFull(buf, magic[:]); err != nil {
		return nil, err
	}
	if magic != vecMagic {
		return nil, errors.New("bad vector cache magic")
	}
	var version uint16
	if err := binary.Read(buf, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != vecVersion {
		return nil, fmt.Errorf("unsupported vector cache version %d", version)
	}
	var stored [sha256.Size]byte
	if _, err := io.ReadFull(buf, stored[:]); err != nil {
		return nil, err
	}
	if stored != digest {
		return nil, errors.New("vector cache is stale")
	}

	var dim, count int32
	if err := binary.Read(buf, binary.LittleEndian, &dim); err != nil {
		return nil, err
	}
	if err := binary.Read(buf, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	if count < 0 || dim <= 0 {
		return nil, errors.New("corrupt vector cache header")
	}

	vectors := make(cachedVectors)
	for i := int32(0); i < count; i++ {
		route, err := encoding.ReadString(buf)
		if err != nil {
			return nil, err
		}
		if _, err := encoding.ReadString(buf); err != nil {
			return nil, err
		}
		vec, err := encoding.ReadVector(buf)
		if err != nil {
			return nil, err
		}
		if int32(len(vec)) != dim {
			return nil, errors.New("vector cache dimension mismatch")
		}
		vectors[route] = append(vectors[route], vec)
	}
	return vectors, nil
}

// LoadSnapshot rebuilds a router from snapshot JSON, re-embedding every
// utterance with the given embedder. Options are applied after those
// derived from the snapshot, so callers can still override them.
func LoadSnapshot(ctx context.Context, rd io.Reader, embedder encoder.Embedder, opts ...Option) (*Router, error) {
	var snap Snapshot
	if err := json.NewDecoder(rd).Decode(&snap); err != nil {
		return nil, wrapError("load", err)
	}
	r, err := routerFromSnapshot(&snap, embedder, opts)
	if err != nil {
		return nil, err
	}
	for _, sr := range snap.Routes {
		if err := r.Add(ctx, snapshotRouteToRoute(sr)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadSnapshotFile rebuilds a router from a snapshot on disk. When a valid
// vector cache sidecar is present the stored vectors are reused instead of
// re-embedding; a stale or unreadable sidecar falls back to encoding.
func LoadSnapshotFile(ctx context.Context, path string, embedder encoder.Embedder, opts ...Option) (*Router, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapError("load", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, wrapError("load", err)
	}
	r, err := routerFromSnapshot(&snap, embedder, opts)
	if err != nil {
		return nil, err
	}

	cached, cacheErr := loadVectorCache(vecCachePath(path), sha256.Sum256(data))
	if cacheErr != nil {
		r.logger.Debug("vector cache unusable, re-encoding", "error", cacheErr)
	}

	for _, sr := range snap.Routes {
		route := snapshotRouteToRoute(sr)
		vecs := cached[sr.Name]
		if len(vecs) == len(sr.Utterances) {
			var sparse []encoder.SparseVector
			if r.sparse != nil {
				sparse = r.sparse.EncodeSparseBatch(route.Utterances)
			}
			if err := r.install(route, vecs, sparse); err != nil {
				return nil, err
			}
			continue
		}
		if err := r.Add(ctx, route); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// routerFromSnapshot builds an empty router configured per the snapshot.
func routerFromSnapshot(snap *Snapshot, embedder encoder.Embedder, opts []Option) (*Router, error) {
	if snap.Version != SnapshotVersion {
		return nil, wrapError("load", fmt.Errorf("unsupported snapshot version %q", snap.Version))
	}
	base := []Option{
		WithDefaultThreshold(snap.ScoreThreshold),
		WithAlpha(snap.Alpha),
		WithEncoderName(snap.EncoderName),
	}
	if snap.TopK > 0 {
		base = append(base, WithTopK(snap.TopK))
	}
	r, err := New(embedder, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if len(snap.TrainingData) > 0 {
		r.training = make(map[string][]string, len(snap.TrainingData))
		for route, queries := range snap.TrainingData {
			r.training[route] = append([]string(nil), queries...)
		}
	}
	return r, nil
}

func snapshotRouteToRoute(sr SnapshotRoute) *Route {
	route := &Route{
		Name:           sr.Name,
		Utterances:     sr.Utterances,
		FunctionSchema: sr.FunctionSchema,
	}
	if sr.ScoreThreshold != nil {
		t := *sr.ScoreThreshold
		route.ScoreThreshold = &t
	}
	return route
}
