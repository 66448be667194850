package rvvisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/blacktop/go-rvvisor/paging"
	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/blacktop/go-rvvisor/riscv"
	"github.com/blacktop/go-rvvisor/virtio"
)

// Kind classifies a core error. Every kind except KindUnrecoverable aborts
// the boot.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindResourceExhaustion
	KindTranslationFault
	KindDeviceProtocol
	KindUnsupportedFormat
	KindUnhandledTrap
	KindUnrecoverable
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindResourceExhaustion:
		return "ResourceExhaustion"
	case KindTranslationFault:
		return "TranslationFault"
	case KindDeviceProtocol:
		return "DeviceProtocolError"
	case KindUnsupportedFormat:
		return "UnsupportedFormat"
	case KindUnhandledTrap:
		return "UnhandledTrapCause"
	case KindUnrecoverable:
		return "RecognizedButUnrecoverable"
	case KindConfig:
		return "InvalidConfig"
	default:
		return "Unknown"
	}
}

// HVError is a classified core error.
type HVError struct {
	Kind    Kind
	Err     error
	message string // Optional custom message for specific errors
}

func (e *HVError) Error() string {
	if e.message != "" {
		return e.message
	}

	// Security: Check if we should sanitize error messages
	if isProductionEnv() {
		return e.sanitizedError()
	}
	if e.Err == nil {
		return e.detailedError()
	}
	return e.detailedError() + ": " + e.Err.Error()
}

func (e *HVError) Unwrap() error { return e.Err }

// detailedError provides full error context for development
func (e *HVError) detailedError() string {
	switch e.Kind {
	case KindResourceExhaustion:
		return "rvvisor: resource exhausted (ResourceExhaustion) - the page allocator reached the end of reserved DRAM"
	case KindTranslationFault:
		return "rvvisor: translation fault (TranslationFault) - a required G-stage entry is missing or malformed"
	case KindDeviceProtocol:
		return "rvvisor: device protocol error (DeviceProtocolError) - a device or the hart rejected the expected handshake"
	case KindUnsupportedFormat:
		return "rvvisor: unsupported image (UnsupportedFormat) - the guest image is not a valid 64-bit ELF"
	case KindUnhandledTrap:
		return "rvvisor: unhandled trap (UnhandledTrapCause) - cause or interrupt source outside the recognized set"
	case KindUnrecoverable:
		return "rvvisor: guest halted (RecognizedButUnrecoverable) - the trap was recognized but cannot be resumed"
	case KindConfig:
		return "rvvisor: invalid configuration (InvalidConfig) - check the memory map"
	default:
		return "rvvisor: unknown error"
	}
}

// sanitizedError provides minimal error information for production
func (e *HVError) sanitizedError() string {
	switch e.Kind {
	case KindResourceExhaustion:
		return "rvvisor: resource exhausted"
	case KindTranslationFault:
		return "rvvisor: translation fault"
	case KindDeviceProtocol:
		return "rvvisor: device protocol error"
	case KindUnsupportedFormat:
		return "rvvisor: unsupported image"
	case KindUnhandledTrap:
		return "rvvisor: unhandled trap"
	case KindUnrecoverable:
		return "rvvisor: guest halted"
	case KindConfig:
		return "rvvisor: invalid configuration"
	default:
		return "rvvisor: hypervisor error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("RVVISOR_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("RVVISOR_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// hvErr classifies err. Already classified errors pass through.
func hvErr(err error) error {
	if err == nil {
		return nil
	}
	var hv *HVError
	if errors.As(err, &hv) {
		return err
	}
	return &HVError{Kind: Classify(err), Err: err}
}

func configErr(err error) error {
	return &HVError{Kind: KindConfig, Err: err}
}

// Classify maps err to its Kind.
func Classify(err error) Kind {
	var hv *HVError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &hv):
		return hv.Kind
	case errors.Is(err, paging.ErrExhausted), errors.Is(err, paging.ErrNotInitialized):
		return KindResourceExhaustion
	case errors.Is(err, paging.ErrTranslation), errors.Is(err, physmem.ErrOutOfRange):
		return KindTranslationFault
	case errors.Is(err, virtio.ErrDevice), errors.Is(err, virtio.ErrIO), errors.Is(err, virtio.ErrQueueBusy):
		return KindDeviceProtocol
	case errors.Is(err, ErrUnsupportedImage):
		return KindUnsupportedFormat
	case errors.Is(err, riscv.ErrUnhandledCause), errors.Is(err, ErrUnhandledInterrupt), errors.Is(err, ErrSpuriousInterrupt):
		return KindUnhandledTrap
	case errors.Is(err, ErrGuestHalted):
		return KindUnrecoverable
	default:
		return KindUnknown
	}
}

// Sentinels for errors raised by this package.
var (
	ErrUnsupportedImage   = errors.New("rvvisor: unsupported guest image")
	ErrGuestHalted        = errors.New("rvvisor: guest halted")
	ErrUnhandledInterrupt = errors.New("rvvisor: unhandled interrupt source")
	ErrSpuriousInterrupt  = errors.New("rvvisor: external interrupt with nothing to claim")
)

// Common specific errors for API consumers
var (
	ErrNotInitialized = &HVError{Kind: KindConfig, message: "rvvisor: hypervisor not initialized"}
	ErrGuestExists    = &HVError{Kind: KindResourceExhaustion, message: "rvvisor: a guest already exists on this hypervisor"}
	ErrNoGuest        = &HVError{Kind: KindConfig, message: "rvvisor: no guest created"}
	ErrHgatpReadback  = &HVError{Kind: KindDeviceProtocol, message: "rvvisor: hgatp did not read back as written"}
)

// UnhandledInterruptError carries a claimed source id no handler owns.
type UnhandledInterruptError struct {
	ID uint32
}

func (e *UnhandledInterruptError) Error() string {
	return fmt.Sprintf("rvvisor: no handler for interrupt source %d", e.ID)
}

func (e *UnhandledInterruptError) Unwrap() error { return ErrUnhandledInterrupt }

// HaltError records a recognized trap that parked the hart.
type HaltError struct {
	Trap  riscv.TrapKind
	PC    uint64
	Stval uint64
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("rvvisor: guest halted on %s at 0x%016x (stval 0x%x)", e.Trap, e.PC, e.Stval)
}

func (e *HaltError) Unwrap() error { return ErrGuestHalted }
