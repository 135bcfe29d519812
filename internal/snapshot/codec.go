package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/renfold/gistsync/internal/syncerr"
	"github.com/tidwall/gjson"
)

// Wire envelope markers. A compressed payload is wrapped as
// {"__compressed__":true,"__compression_method__":"gzip","payload":<b64>};
// an encrypted payload as
// {"__encrypted__":true,"__cipher__":"aes-256-gcm","payload":<b64>}.
const (
	compressedMarker  = "__compressed__"
	compressionMethod = "__compression_method__"
	encryptedMarker   = "__encrypted__"
	cipherMarker      = "__cipher__"

	gzipMethod = "gzip"

	// compressMinBytes is the smallest payload worth compressing. Below
	// this the gzip framing outweighs the savings.
	compressMinBytes = 1024
)

// Collector supplies the local state sections. Each section is collected
// independently so one failing store read cannot poison the others.
type Collector interface {
	CollectConfig(ctx context.Context) (Config, error)
	CollectPageCache(ctx context.Context) (map[string]PageCacheEntry, error)
	CollectChatHistory(ctx context.Context) (map[string][]ChatMessage, error)
}

// SerializeMeta reports what Serialize produced.
type SerializeMeta struct {
	OriginalSize int64
	FinalSize    int64
	Compressed   bool
	Timestamp    int64
}

// Codec builds snapshots from local state and moves them on and off the
// wire.
type Codec struct {
	collector Collector
	deviceID  string
	dataTypes []string
	cipher    *Cipher
	logger    *slog.Logger
}

// NewCodec creates a codec. cipher may be nil (no payload encryption);
// dataTypes nil means all sections.
func NewCodec(collector Collector, deviceID string, dataTypes []string, cipher *Cipher, logger *slog.Logger) *Codec {
	if dataTypes == nil {
		dataTypes = []string{DataTypeConfig, DataTypePageCache, DataTypeChatHistory}
	}
	return &Codec{
		collector: collector,
		deviceID:  deviceID,
		dataTypes: dataTypes,
		cipher:    cipher,
		logger:    logger,
	}
}

// Collect builds a snapshot of local state with fresh metadata. It never
// fails fatally: a section the store cannot produce is logged and left
// empty.
func (c *Codec) Collect(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Metadata: Metadata{
			Version:   SchemaVersion,
			Timestamp: time.Now().UnixMilli(),
			DeviceID:  c.deviceID,
			SyncID:    NewSyncID(),
			DataTypes: append([]string(nil), c.dataTypes...),
		},
		PageCache:   map[string]PageCacheEntry{},
		ChatHistory: map[string][]ChatMessage{},
	}

	for _, dt := range c.dataTypes {
		switch dt {
		case DataTypeConfig:
			cfg, err := c.collector.CollectConfig(ctx)
			if err != nil {
				c.logger.Warn("collecting config failed, using empty section", slog.String("error", err.Error()))
				continue
			}
			snap.Config = cfg
		case DataTypePageCache:
			pc, err := c.collector.CollectPageCache(ctx)
			if err != nil {
				c.logger.Warn("collecting page cache failed, using empty section", slog.String("error", err.Error()))
				continue
			}
			if pc != nil {
				snap.PageCache = pc
			}
		case DataTypeChatHistory:
			ch, err := c.collector.CollectChatHistory(ctx)
			if err != nil {
				c.logger.Warn("collecting chat history failed, using empty section", slog.String("error", err.Error()))
				continue
			}
			if ch != nil {
				snap.ChatHistory = ch
			}
		default:
			c.logger.Warn("unknown data type in sync rules", slog.String("dataType", dt))
		}
	}

	return snap
}

// Serialize encodes a snapshot for upload: JSON encoding with the size
// stamped into metadata, gzip when the payload is large enough to
// benefit, then optional encryption.
func (c *Codec) Serialize(snap *Snapshot) ([]byte, SerializeMeta, error) {
	meta := SerializeMeta{Timestamp: time.Now().UnixMilli()}

	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, meta, fmt.Errorf("encoding snapshot: %w", err)
	}

	// Stamp the computed size on a copy and re-encode; the caller's
	// snapshot is left untouched. The size field itself changes the
	// length by a few bytes; the declared value is the size of the sized
	// encoding, which is what peers will parse.
	sized := *snap
	sized.Metadata.Size = int64(len(plain))
	plain, err = json.Marshal(&sized)
	if err != nil {
		return nil, meta, fmt.Errorf("encoding snapshot: %w", err)
	}

	// Raw sections can smuggle in arbitrarily deep object graphs. Cap
	// them with sentinels rather than failing: a snapshot the user is
	// waiting to upload must survive a bad value.
	if err := CheckDepth(plain); err != nil {
		c.logger.Warn("snapshot exceeds nesting ceiling, substituting sentinels",
			slog.String("error", err.Error()),
		)
		plain, err = CapDepth(plain)
		if err != nil {
			return nil, meta, fmt.Errorf("capping snapshot depth: %w", err)
		}
	}

	meta.OriginalSize = int64(len(plain))
	out := plain

	if len(plain) >= compressMinBytes {
		compressed, err := gzipBytes(plain)
		if err != nil {
			c.logger.Warn("compression failed, uploading uncompressed", slog.String("error", err.Error()))
		} else if wrapped, ok := wrapCompressed(compressed, len(plain)); ok {
			out = wrapped
			meta.Compressed = true
		}
	}

	if c.cipher != nil {
		ct, err := c.cipher.Encrypt(out)
		if err != nil {
			return nil, meta, fmt.Errorf("encrypting snapshot: %w", err)
		}
		env := map[string]any{
			encryptedMarker: true,
			cipherMarker:    CipherName,
			"payload":       base64.StdEncoding.EncodeToString(ct),
		}
		out, err = json.Marshal(env)
		if err != nil {
			return nil, meta, fmt.Errorf("encoding encryption envelope: %w", err)
		}
	}

	meta.FinalSize = int64(len(out))
	return out, meta, nil
}

// wrapCompressed builds the compression envelope, reporting false when
// the envelope would not actually be smaller than the original.
func wrapCompressed(compressed []byte, originalLen int) ([]byte, bool) {
	env := map[string]any{
		compressedMarker:  true,
		compressionMethod: gzipMethod,
		"payload":         base64.StdEncoding.EncodeToString(compressed),
	}
	wrapped, err := json.Marshal(env)
	if err != nil || len(wrapped) >= originalLen {
		return nil, false
	}
	return wrapped, true
}

// Deserialize decodes wire bytes into a snapshot.
//
// Blank input means "no remote data yet" and yields (nil, nil). Missing
// metadata or version also yields (nil, nil): legacy or hand-edited
// remote content, recoverable by re-upload. Invalid JSON, decompression
// or decryption failure, and a version mismatch are hard errors.
func (c *Codec) Deserialize(data []byte) (*Snapshot, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if !gjson.ValidBytes(data) {
		return nil, syncerr.ErrIncompatibleFormat
	}

	if gjson.GetBytes(data, encryptedMarker).Bool() {
		if c.cipher == nil {
			return nil, syncerr.ErrEncryptedPayload
		}
		ct, err := base64.StdEncoding.DecodeString(gjson.GetBytes(data, "payload").String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", syncerr.ErrDecryptionFailed, err)
		}
		data, err = c.cipher.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", syncerr.ErrDecryptionFailed, err)
		}
		if !gjson.ValidBytes(data) {
			return nil, syncerr.ErrIncompatibleFormat
		}
	}

	if gjson.GetBytes(data, compressedMarker).Bool() {
		method := gjson.GetBytes(data, compressionMethod).String()
		if method != gzipMethod {
			return nil, fmt.Errorf("%w: unknown method %q", syncerr.ErrDecompressionFailed, method)
		}
		raw, err := base64.StdEncoding.DecodeString(gjson.GetBytes(data, "payload").String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", syncerr.ErrDecompressionFailed, err)
		}
		data, err = gunzipBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", syncerr.ErrDecompressionFailed, err)
		}
		if !gjson.ValidBytes(data) {
			return nil, syncerr.ErrIncompatibleFormat
		}
	}

	if err := CheckDepth(data); err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrIncompatibleFormat, err)
	}

	metaField := gjson.GetBytes(data, "metadata")
	if !metaField.Exists() || !metaField.Get("version").Exists() {
		c.logger.Warn("remote snapshot has no version metadata, treating as absent")
		return nil, nil
	}

	if version := metaField.Get("version").String(); version != SchemaVersion {
		return nil, fmt.Errorf("%w: remote %q, engine %q", syncerr.ErrIncompatibleVersion, version, SchemaVersion)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrIncompatibleFormat, err)
	}
	if snap.PageCache == nil {
		snap.PageCache = map[string]PageCacheEntry{}
	}
	if snap.ChatHistory == nil {
		snap.ChatHistory = map[string][]ChatMessage{}
	}

	return &snap, nil
}

// NewSyncID generates a fresh sync-session identifier.
func NewSyncID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken; a timestamp
		// id still keeps sessions distinguishable in logs.
		return fmt.Sprintf("t-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return out, nil
}
