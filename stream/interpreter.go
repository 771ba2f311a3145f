package stream

import (
	"math"

	"github.com/moffa90/go-fsimage/catalog"
	"github.com/moffa90/go-fsimage/fsimage"
)

// maxPrealloc caps the buffer reserved from an untrusted header size.
const maxPrealloc = 1 << 20

// Logger receives interpreter decisions. It is satisfied by engine.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// DRAMInitFunc initializes DRAM from the copied firmware and timing blobs.
type DRAMInitFunc func(fw, timing []byte) error

// Config configures an Interpreter.
type Config struct {
	// Arch is matched against the description of NBOOT, BOARD-CONFIGS and
	// FIRMWARE containers. Empty matches any architecture.
	Arch string

	// BoardID is the running board. If unset it is taken from the first
	// BOARD-ID record.
	BoardID fsimage.BoardID

	// Jobs is the initial job set
	Jobs JobSet

	// BoardCfg is a complete BOARD-CFG record already known to the caller,
	// for sources that carry only FIRMWARE. It satisfies JobBoardCfg.
	BoardCfg []byte

	// DRAMInit is called once DRAM-FW and DRAM-TIMING are copied (optional)
	DRAMInit DRAMInitFunc

	// Verifier checks signed records (optional)
	Verifier fsimage.Verifier

	// Locked refuses BOARD-CFG, DRAM-FW, DRAM-TIMING, ATF and TEE records
	// without a valid signature
	Locked bool

	// Logger is used for tracing decisions (optional)
	Logger Logger
}

// Artifacts holds everything copied out of a container.
type Artifacts struct {
	// BoardID is the id of the selected BOARD-CFG
	BoardID fsimage.BoardID

	// BoardCfg is the payload of the selected BOARD-CFG. Like every
	// artifact it excludes a signature trailer.
	BoardCfg []byte

	// BoardCfgHeader is the header of the selected BOARD-CFG
	BoardCfgHeader *fsimage.Header

	DRAMFW     []byte
	DRAMTiming []byte
	ATF        []byte
	TEE        []byte
}

type target int

const (
	targetNone target = iota
	targetBoardCfg
	targetDRAMFW
	targetDRAMTiming
	targetATF
	targetTEE
)

// frame is one nesting level.
type frame struct {
	total     uint64
	remaining uint64

	// pad follows the level's payload inside the parent level
	pad   uint64
	state State
}

// Interpreter is a push parser over a container stream. It is not safe for
// concurrent use; create one per input source.
type Interpreter struct {
	cfg     Config
	running fsimage.BoardID
	jobs    JobSet

	mode  Mode
	count uint64
	stack []frame

	hdr     [fsimage.HeaderSize]byte
	hdrFill int

	// record being copied
	cur *fsimage.Header
	tgt target
	buf []byte
	crc *fsimage.CRCHash

	// best BOARD-CFG so far and whether it came from the current level
	cfgID    fsimage.BoardID
	levelCfg bool

	dramTried  bool
	dramType   string
	dramTiming string

	art Artifacts
	err error
}

// New returns an interpreter waiting for the first header.
func New(cfg Config) *Interpreter {
	it := &Interpreter{
		cfg:     cfg,
		running: cfg.BoardID,
		jobs:    cfg.Jobs,
		mode:    ModeHeader,
		count:   fsimage.HeaderSize,
		stack:   []frame{{total: math.MaxUint64, remaining: math.MaxUint64, state: StateAny}},
	}

	if cfg.BoardCfg != nil {
		h, payload, err := fsimage.Record(cfg.BoardCfg)
		if err != nil {
			it.warn("ignoring preset board configuration", "error", err)
		} else {
			id, _ := fsimage.ParseBoardID(h.Descr())
			it.setBoardCfg(h, fsimage.Body(h, payload), id)
			it.jobs &^= JobBoardCfg
		}
	}

	if it.jobs == 0 {
		it.finish()
	}
	return it
}

// Write consumes p completely. After the interpreter is done the input is
// discarded. The only error is a refused signature on a locked device.
func (it *Interpreter) Write(p []byte) (int, error) {
	n := len(p)
	it.settle()
	for len(p) > 0 && it.mode != ModeDone {
		k := it.count
		if uint64(len(p)) < k {
			k = uint64(len(p))
		}
		chunk := p[:k]

		switch it.mode {
		case ModeHeader:
			it.hdrFill += copy(it.hdr[it.hdrFill:], chunk)
		case ModeImage:
			it.buf = append(it.buf, chunk...)
			if it.crc != nil {
				it.crc.Write(chunk)
			}
		}

		it.count -= k
		for i := range it.stack {
			it.stack[i].remaining -= k
		}
		p = p[k:]
		it.settle()
	}
	return n, it.err
}

// Jobs returns the jobs still pending.
func (it *Interpreter) Jobs() JobSet { return it.jobs }

// Done reports whether the interpreter discards further input.
func (it *Interpreter) Done() bool { return it.mode == ModeDone }

// State returns the state of the current nesting level.
func (it *Interpreter) State() State { return it.top().state }

// Mode returns what the next input bytes are.
func (it *Interpreter) Mode() Mode { return it.mode }

// Depth returns the current nesting depth, 0 at the top level.
func (it *Interpreter) Depth() int { return len(it.stack) - 1 }

// Err returns the error that stopped the interpreter, if any.
func (it *Interpreter) Err() error { return it.err }

// Artifacts returns what has been copied so far.
func (it *Interpreter) Artifacts() *Artifacts {
	a := it.art
	return &a
}

func (it *Interpreter) top() *frame {
	return &it.stack[len(it.stack)-1]
}

// settle runs the handle step until more input is needed.
func (it *Interpreter) settle() {
	for it.count == 0 && it.mode != ModeDone {
		switch it.mode {
		case ModeHeader:
			it.onHeader()
		case ModeImage:
			it.onImage()
		case ModeSkip:
			it.next()
		}
	}
}

func (it *Interpreter) finish() {
	it.mode = ModeDone
	it.count = 0
}

func (it *Interpreter) clear(j JobSet) {
	it.jobs &^= j
	if it.jobs == 0 {
		it.debug("all jobs done")
		it.finish()
	}
}

func (it *Interpreter) skip(n uint64) {
	if it.mode == ModeDone {
		return
	}
	it.mode = ModeSkip
	it.count = n
}

func (it *Interpreter) skipRecord(h *fsimage.Header) {
	it.debug("skip", "type", h.TypeString(), "descr", h.Descr(), "state", it.State())
	it.skip(uint64(h.Padded()))
}

// skipLevel discards the rest of the current level. At the top level that
// ends interpretation.
func (it *Interpreter) skipLevel() {
	if len(it.stack) == 1 {
		it.finish()
		return
	}
	it.skip(it.top().remaining)
}

func (it *Interpreter) enter(h *fsimage.Header, state State) {
	if it.mode == ModeDone {
		return
	}
	it.debug("enter", "type", h.TypeString(), "descr", h.Descr(), "state", state)
	size := uint64(h.Size())
	it.stack = append(it.stack, frame{total: size, remaining: size, pad: uint64(h.Padsize), state: state})
	it.next()
}

func (it *Interpreter) copy(h *fsimage.Header, tgt target) {
	it.debug("copy", "type", h.TypeString(), "descr", h.Descr(), "size", h.Size())
	it.cur = h
	it.tgt = tgt
	it.buf = make([]byte, 0, min(uint64(h.Size()), maxPrealloc))
	it.crc = fsimage.NewCRCHash(h)
	it.mode = ModeImage
	it.count = uint64(h.Size())
}

// next prepares for the next record at the current level, leaving every
// exhausted level on the way.
func (it *Interpreter) next() {
	for it.mode != ModeDone {
		if it.jobs == 0 {
			it.finish()
			return
		}

		top := it.top()
		if top.remaining >= fsimage.HeaderSize {
			it.mode = ModeHeader
			it.count = fsimage.HeaderSize
			return
		}
		if top.remaining > 0 {
			// raw data too short for a header
			it.skip(top.remaining)
			return
		}
		if len(it.stack) == 1 {
			it.finish()
			return
		}

		f := *top
		it.stack = it.stack[:len(it.stack)-1]
		if it.leave(f) {
			return
		}
		if f.pad > 0 {
			it.skip(f.pad)
			return
		}
	}
}

// leave applies the transition for leaving level f. It returns true if it
// already decided what the next input is.
func (it *Interpreter) leave(f frame) bool {
	parent := it.top()
	switch f.state {
	case StateBoardCfg:
		if it.levelCfg {
			it.levelCfg = false
			it.clear(JobBoardCfg)
		}

	case StateDRAMFW, StateDRAMTiming:
		// DRAM-TYPE was tried, nothing else in DRAM-SETTINGS is wanted
		it.skipLevel()
		return true

	case StateDRAMType:
		parent.state = it.firmwareState()
		if parent.state == StateAny {
			it.skipLevel()
			return true
		}
	}
	return it.mode == ModeDone
}

// firmwareState returns the state for the first open FIRMWARE job, or
// StateAny if there is none.
func (it *Interpreter) firmwareState() State {
	switch {
	case it.jobs.Has(JobDRAM) && !it.dramTried:
		return StateDRAM
	case it.jobs.Has(JobATF):
		return StateATF
	case it.jobs.Has(JobTEE):
		return StateTEE
	default:
		return StateAny
	}
}

func (it *Interpreter) onHeader() {
	it.hdrFill = 0
	h, err := fsimage.ParseHeader(it.hdr[:])
	if err != nil || !h.Valid() {
		if len(it.stack) == 1 {
			it.debug("end of container data")
			it.finish()
			return
		}
		it.skipLevel()
		return
	}

	if uint64(h.Padded()) > it.top().remaining {
		it.warn("record exceeds its container", "type", h.TypeString(), "size", h.Size())
		it.skipLevel()
		return
	}

	switch it.top().state {
	case StateAny:
		it.headerAny(h)
	case StateBoardCfg:
		if h.Matches(fsimage.TypeBoardCfg) {
			it.candidate(h)
		} else {
			it.skipRecord(h)
		}
	case StateDRAM, StateATF, StateTEE:
		it.headerFirmware(h)
	case StateDRAMType:
		if h.Matches(fsimage.TypeDRAMType, it.dramType) {
			it.enter(h, StateDRAMFW)
		} else {
			it.skipRecord(h)
		}
	case StateDRAMFW:
		if h.Matches(fsimage.TypeDRAMFW, it.dramType) {
			it.copy(h, targetDRAMFW)
		} else {
			it.skipRecord(h)
		}
	case StateDRAMTiming:
		if h.Matches(fsimage.TypeDRAMTiming, it.dramTiming) {
			it.copy(h, targetDRAMTiming)
		} else {
			it.skipRecord(h)
		}
	}
}

func (it *Interpreter) headerAny(h *fsimage.Header) {
	arch := it.cfg.Arch
	switch {
	case h.Matches(fsimage.TypeBoardID):
		id, err := fsimage.ParseBoardID(h.Descr())
		if err != nil {
			it.warn("bad board id", "descr", h.Descr(), "error", err)
			it.skipRecord(h)
			return
		}
		if it.running.Name == "" {
			it.running = id
		} else if id.Name != it.running.Name {
			it.debug("container is for another board", "board", id, "running", it.running)
			it.skipRecord(h)
			return
		}
		it.jobs |= JobBoardCfg
		it.enter(h, StateAny)

	case h.Matches(fsimage.TypeNBoot, arch):
		it.enter(h, StateAny)

	case h.Matches(fsimage.TypeBoardConfigs, arch) && it.jobs.Has(JobBoardCfg):
		it.cfgID = fsimage.BoardID{}
		it.levelCfg = false
		it.enter(h, StateBoardCfg)

	case h.Matches(fsimage.TypeBoardCfg) && it.jobs.Has(JobBoardCfg):
		it.candidate(h)

	case h.Matches(fsimage.TypeFirmware, arch) && !it.jobs.Has(JobBoardCfg) && it.firmwareState() != StateAny:
		it.enter(h, it.firmwareState())

	default:
		it.skipRecord(h)
	}
}

// headerFirmware dispatches a record at FIRMWARE level to whichever open job
// it serves.
func (it *Interpreter) headerFirmware(h *fsimage.Header) {
	top := it.top()
	switch {
	case h.Matches(fsimage.TypeDRAMSettings) && it.jobs.Has(JobDRAM) && !it.dramTried:
		it.dramTried = true
		typ, timing, err := it.dramNames()
		if err != nil {
			it.warn("cannot select DRAM settings", "error", err)
			it.skipRecord(h)
			return
		}
		it.dramType, it.dramTiming = typ, timing
		top.state = StateDRAM
		it.enter(h, StateDRAMType)

	case h.Matches(fsimage.TypeATF) && it.jobs.Has(JobATF):
		top.state = StateATF
		it.copy(h, targetATF)

	case h.Matches(fsimage.TypeTEE) && it.jobs.Has(JobTEE):
		top.state = StateTEE
		it.copy(h, targetTEE)

	default:
		it.skipRecord(h)
	}
}

// candidate copies a BOARD-CFG if it is better than the best one so far.
func (it *Interpreter) candidate(h *fsimage.Header) {
	id, err := fsimage.ParseBoardID(h.Descr())
	if err != nil || !it.running.Better(id, it.cfgID) {
		it.debug("board configuration not selected", "descr", h.Descr(), "running", it.running)
		it.skipRecord(h)
		return
	}
	it.copy(h, targetBoardCfg)
}

func (it *Interpreter) onImage() {
	h, data, tgt := it.cur, it.buf, it.tgt
	ok := it.check(h, data)
	it.cur, it.buf, it.tgt, it.crc = nil, nil, targetNone, nil
	if it.err != nil {
		it.finish()
		return
	}
	if ok {
		data = fsimage.Body(h, data)
	}

	switch tgt {
	case targetBoardCfg:
		if ok {
			id, _ := fsimage.ParseBoardID(h.Descr())
			it.setBoardCfg(h, data, id)
			it.cfgID = id
			if it.top().state == StateAny {
				it.clear(JobBoardCfg)
			} else {
				it.levelCfg = true
				if id.Rev == it.running.Rev {
					it.skipLevel()
					return
				}
			}
		}

	case targetDRAMFW:
		if !ok {
			it.skipLevel()
			return
		}
		it.art.DRAMFW = data
		it.top().state = StateDRAMTiming

	case targetDRAMTiming:
		if ok {
			it.art.DRAMTiming = data
			if err := it.dramInit(); err != nil {
				it.warn("DRAM init failed", "type", it.dramType, "timing", it.dramTiming, "error", err)
			} else {
				it.clear(JobDRAM)
			}
		}
		it.skipLevel()
		return

	case targetATF, targetTEE:
		if ok {
			if tgt == targetATF {
				it.art.ATF = data
				it.clear(JobATF)
			} else {
				it.art.TEE = data
				it.clear(JobTEE)
			}
		}
		if it.mode == ModeDone {
			return
		}
		top := it.top()
		top.state = it.firmwareState()
		if top.state == StateAny {
			it.skipLevel()
			return
		}
	}

	it.skip(uint64(h.Padsize))
}

// check validates a copied record. A record that fails is dropped and its
// job stays pending; a refused signature on a locked device stops
// interpretation.
func (it *Interpreter) check(h *fsimage.Header, data []byte) bool {
	if it.crc.Result(h) == fsimage.CRCBad {
		it.warn("dropping record with bad CRC", "type", h.TypeString(), "descr", h.Descr())
		return false
	}
	if err := fsimage.VerifyPayload(h, data, it.cfg.Verifier, it.cfg.Locked); err != nil {
		if it.cfg.Locked {
			it.err = err
		}
		it.warn("dropping record with bad signature", "type", h.TypeString(), "error", err)
		return false
	}
	return true
}

func (it *Interpreter) setBoardCfg(h *fsimage.Header, payload []byte, id fsimage.BoardID) {
	it.art.BoardCfgHeader = h
	it.art.BoardCfg = payload
	it.art.BoardID = id
}

func (it *Interpreter) dramNames() (string, string, error) {
	if it.art.BoardCfg == nil {
		return "", "", catalog.ErrMissing
	}
	cat, err := catalog.Parse(it.art.BoardCfg)
	if err != nil {
		return "", "", err
	}
	return cat.DRAM()
}

func (it *Interpreter) dramInit() error {
	if it.cfg.DRAMInit == nil {
		return nil
	}
	return it.cfg.DRAMInit(it.art.DRAMFW, it.art.DRAMTiming)
}

func (it *Interpreter) debug(msg string, kv ...interface{}) {
	if it.cfg.Logger != nil {
		it.cfg.Logger.Debug(msg, kv...)
	}
}

func (it *Interpreter) warn(msg string, kv ...interface{}) {
	if it.cfg.Logger != nil {
		it.cfg.Logger.Warn(msg, kv...)
	}
}
