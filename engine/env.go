package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"slices"
	"strings"

	"github.com/moffa90/go-fsimage/catalog"
)

// envHeaderSize is the CRC word plus the generation byte.
const envHeaderSize = 5

// encodeEnv lays vars out as a redundant environment copy of size bytes:
//
//	[crc32 of data][generation][key=value\0 ... \0][zero fill]
func encodeEnv(vars map[string]string, size int64, gen byte) ([]byte, error) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var data bytes.Buffer
	for _, k := range keys {
		v := vars[k]
		if k == "" || strings.ContainsAny(k, "=\x00") || strings.ContainsRune(v, 0) {
			return nil, fmt.Errorf("invalid environment variable %q", k)
		}
		data.WriteString(k)
		data.WriteByte('=')
		data.WriteString(v)
		data.WriteByte(0)
	}
	data.WriteByte(0)

	if int64(data.Len()) > size-envHeaderSize {
		return nil, fmt.Errorf("environment of %d bytes does not fit %d byte region", data.Len(), size-envHeaderSize)
	}
	out := make([]byte, size)
	copy(out[envHeaderSize:], data.Bytes())
	out[4] = gen
	binary.LittleEndian.PutUint32(out, crc32.ChecksumIEEE(out[envHeaderSize:]))
	return out, nil
}

// decodeEnv parses one environment copy and returns its variables and
// generation.
func decodeEnv(b []byte) (map[string]string, byte, error) {
	if len(b) <= envHeaderSize {
		return nil, 0, fmt.Errorf("%w: environment copy too short", ErrNoEnv)
	}
	if crc := crc32.ChecksumIEEE(b[envHeaderSize:]); crc != binary.LittleEndian.Uint32(b) {
		return nil, 0, fmt.Errorf("%w: bad CRC 0x%08X", ErrNoEnv, crc)
	}

	vars := make(map[string]string)
	data := b[envHeaderSize:]
	for len(data) > 0 && data[0] != 0 {
		end := bytes.IndexByte(data, 0)
		if end < 0 {
			return nil, 0, fmt.Errorf("%w: unterminated variable", ErrNoEnv)
		}
		k, v, ok := strings.Cut(string(data[:end]), "=")
		if !ok {
			return nil, 0, fmt.Errorf("%w: malformed variable %q", ErrNoEnv, data[:end])
		}
		vars[k] = v
		data = data[end+1:]
	}
	return vars, b[4], nil
}

// newerGen reports whether generation a was written after b, allowing for
// wrap around.
func newerGen(a, b byte) bool {
	return int8(a-b) > 0
}

// envRegion locates the environment: catalog entries first, then the legacy
// fixed slots of the backend.
func (e *Engine) envRegion(ctx context.Context) (catalog.Region, error) {
	cat, err := e.catalog()
	if err != nil && !errors.Is(err, ErrNoBoardConfig) {
		return catalog.Region{}, err
	}
	chain := catalog.ChainEnv{
		catalog.CatalogEnv{Lookup: e.backend.ResolveRegion},
		catalog.LegacyEnv{Slots: e.backend.LegacyEnvSlots(), Probe: e.probeEnv},
	}
	r, how, err := chain.ResolveNamed(ctx, cat)
	if err != nil {
		return r, fmt.Errorf("locate environment: %w", err)
	}
	e.logDebug("environment located", "strategy", how, "region", r.String())
	return r, nil
}

// probeEnv reports whether either copy of r holds a valid environment.
func (e *Engine) probeEnv(ctx context.Context, r catalog.Region) (bool, error) {
	_, _, _, err := e.readEnv(ctx, r)
	if errors.Is(err, ErrNoEnv) {
		return false, nil
	}
	return err == nil, err
}

// readEnv returns the newest valid environment in r and the copy holding it.
func (e *Engine) readEnv(ctx context.Context, r catalog.Region) (map[string]string, byte, int, error) {
	var (
		best    map[string]string
		bestGen byte
		bestCp  = -1
		errs    [2]error
	)
	for cp := 0; cp < 2; cp++ {
		b, err := e.backend.Read(ctx, r, cp, 0, r.Size)
		if err != nil {
			errs[cp] = err
			continue
		}
		vars, gen, err := decodeEnv(b)
		if err != nil {
			errs[cp] = err
			continue
		}
		if bestCp < 0 || newerGen(gen, bestGen) {
			best, bestGen, bestCp = vars, gen, cp
		}
	}
	if bestCp < 0 {
		return nil, 0, -1, fmt.Errorf("%w: copy 0: %v; copy 1: %v", ErrNoEnv, errs[0], errs[1])
	}
	if other := 1 - bestCp; errs[other] != nil {
		e.logWarn("environment copy damaged", "copy", other, "error", errs[other])
	}
	return best, bestGen, bestCp, nil
}

// LoadEnv returns the newest valid environment.
func (e *Engine) LoadEnv(ctx context.Context) (map[string]string, error) {
	r, err := e.envRegion(ctx)
	if err != nil {
		return nil, err
	}
	vars, gen, cp, err := e.readEnv(ctx, r)
	if err != nil {
		return nil, err
	}
	e.logInfo("environment loaded", "copy", cp, "generation", gen, "variables", len(vars))
	return vars, nil
}

// SaveEnv stores vars as the new environment. The copy holding the current
// environment is left alone, so an interrupted save keeps the old one.
func (e *Engine) SaveEnv(ctx context.Context, vars map[string]string) error {
	r, err := e.envRegion(ctx)
	if err != nil {
		return err
	}

	target, gen := 0, byte(1)
	if _, cur, cp, err := e.readEnv(ctx, r); err == nil {
		target, gen = 1-cp, cur+1
	}
	img, err := encodeEnv(vars, r.Size, gen)
	if err != nil {
		return err
	}

	e.logInfo("writing environment", "copy", target, "generation", gen)
	if err := e.writeCopy(ctx, r, target, img); err != nil {
		e.logError("environment copy failed", "copy", target, "error", err)
		return fmt.Errorf("save environment copy %d: %w", target, err)
	}
	return nil
}
