//go:build linux || darwin

package transport

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

var (
	callbackOnce sync.Once
	callbackPtr  uintptr
)

// sharedCallback returns the single C callback every libwaku call reports
// to. purego callbacks are a limited resource, so it is created once per
// process and results are routed by userData.
func sharedCallback() uintptr {
	callbackOnce.Do(func() {
		callbackPtr = purego.NewCallback(func(ret int32, msg *byte, n uintptr, userData uintptr) {
			var data []byte
			if msg != nil && n > 0 {
				data = append([]byte(nil), unsafe.Slice(msg, n)...)
			}
			dispatchCallback(ret, data, userData)
		})
	})
	return callbackPtr
}

type libwaku struct {
	cb uintptr

	newFn       func(config string, cb, userData uintptr) uintptr
	startFn     func(node, cb, userData uintptr) int32
	stopFn      func(node, cb, userData uintptr) int32
	destroyFn   func(node, cb, userData uintptr) int32
	publishFn   func(node uintptr, pubsub, message string, timeoutMs uint32, cb, userData uintptr) int32
	subscribeFn func(node uintptr, pubsub string, cb, userData uintptr) int32
	setEventFn  func(node, cb, userData uintptr)
}

func loadNative(path string) (nativeAPI, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, relayerr.New(relayerr.ErrConfig, "load "+path, err)
	}
	lib := &libwaku{cb: sharedCallback()}
	for _, sym := range []struct {
		name string
		fn   any
	}{
		{"waku_new", &lib.newFn},
		{"waku_start", &lib.startFn},
		{"waku_stop", &lib.stopFn},
		{"waku_destroy", &lib.destroyFn},
		{"waku_relay_publish", &lib.publishFn},
		{"waku_relay_subscribe", &lib.subscribeFn},
		{"waku_set_event_callback", &lib.setEventFn},
	} {
		// RegisterLibFunc panics on a missing symbol.
		if _, err := purego.Dlsym(handle, sym.name); err != nil {
			return nil, relayerr.New(relayerr.ErrConfig, "resolve "+sym.name, err)
		}
		purego.RegisterLibFunc(sym.fn, handle, sym.name)
	}
	return lib, nil
}

func (l *libwaku) wakuNew(config string, userData uintptr) uintptr {
	return l.newFn(config, l.cb, userData)
}

func (l *libwaku) wakuStart(node, userData uintptr) int32 { return l.startFn(node, l.cb, userData) }

func (l *libwaku) wakuStop(node, userData uintptr) int32 { return l.stopFn(node, l.cb, userData) }

func (l *libwaku) wakuDestroy(node, userData uintptr) int32 {
	return l.destroyFn(node, l.cb, userData)
}

func (l *libwaku) wakuRelayPublish(node uintptr, pubsub, message string, timeoutMs uint32, userData uintptr) int32 {
	return l.publishFn(node, pubsub, message, timeoutMs, l.cb, userData)
}

func (l *libwaku) wakuRelaySubscribe(node uintptr, pubsub string, userData uintptr) int32 {
	return l.subscribeFn(node, pubsub, l.cb, userData)
}

func (l *libwaku) wakuSetEventCallback(node, userData uintptr) {
	l.setEventFn(node, l.cb, userData)
}
