// Command libvoidwarp builds the engine as a C shared library:
//
//	go build -buildmode=c-shared -o libvoidwarp.so ./cmd/libvoidwarp
//
// Strings returned to C are owned by the caller and released with
// voidwarp_free_string.
package main

/*
#include <stdint.h>
#include <stdlib.h>
#include <stdbool.h>
*/
import "C"

import (
	"os"
	"unsafe"

	"voidwarp/bridge"
	"voidwarp/logging"
)

var lib = bridge.New(
	os.Getenv("VOIDWARP_DATA_DIR"),
	logging.Component(logging.New(os.Getenv("VOIDWARP_LOG_LEVEL"), os.Stderr), "libvoidwarp"),
)

func cstr(s string) *C.char {
	if s == "" {
		return nil
	}
	return C.CString(s)
}

func gostr(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

//export voidwarp_init
func voidwarp_init(deviceName *C.char) C.uint64_t {
	return C.uint64_t(lib.Init(gostr(deviceName)))
}

//export voidwarp_destroy
func voidwarp_destroy(handle C.uint64_t) {
	lib.Destroy(uint64(handle))
}

//export voidwarp_free_string
func voidwarp_free_string(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

//export voidwarp_get_device_id
func voidwarp_get_device_id(handle C.uint64_t) *C.char {
	return cstr(lib.DeviceID(uint64(handle)))
}

//export voidwarp_generate_pairing_code
func voidwarp_generate_pairing_code(handle C.uint64_t) *C.char {
	return cstr(lib.GeneratePairingCode(uint64(handle)))
}

//export voidwarp_pair
func voidwarp_pair(handle C.uint64_t, ip *C.char, port C.int, code *C.char) C.int {
	return C.int(lib.Pair(uint64(handle), gostr(ip), int(port), gostr(code)))
}

//export voidwarp_pair_listen
func voidwarp_pair_listen(handle C.uint64_t, address *C.char) C.int {
	return C.int(lib.PairListen(uint64(handle), gostr(address)))
}

//export voidwarp_start_discovery
func voidwarp_start_discovery(handle C.uint64_t, port C.int) C.int {
	return C.int(lib.StartDiscovery(uint64(handle), int(port)))
}

//export voidwarp_start_discovery_with_ip
func voidwarp_start_discovery_with_ip(handle C.uint64_t, port C.int, ip *C.char) C.int {
	return C.int(lib.StartDiscoveryWithIP(uint64(handle), int(port), gostr(ip)))
}

//export voidwarp_stop_discovery
func voidwarp_stop_discovery(handle C.uint64_t) {
	lib.StopDiscovery(uint64(handle))
}

//export voidwarp_add_manual_peer
func voidwarp_add_manual_peer(handle C.uint64_t, deviceID, name, ip *C.char, port C.int) C.int {
	return C.int(lib.AddManualPeer(uint64(handle), gostr(deviceID), gostr(name), gostr(ip), int(port)))
}

//export voidwarp_get_peers
func voidwarp_get_peers(handle C.uint64_t) *C.char {
	return cstr(lib.GetPeers(uint64(handle)))
}

//export voidwarp_test_connection
func voidwarp_test_connection(handle C.uint64_t, ip *C.char, port C.int) C.bool {
	return C.bool(lib.TestConnection(uint64(handle), gostr(ip), int(port)))
}

//export voidwarp_create_sender
func voidwarp_create_sender(handle C.uint64_t, path *C.char) C.uint64_t {
	return C.uint64_t(lib.CreateSender(uint64(handle), gostr(path)))
}

//export voidwarp_sender_start
func voidwarp_sender_start(sender C.uint64_t, ip *C.char, port C.int, senderName *C.char) C.int {
	return C.int(lib.SenderStart(uint64(sender), gostr(ip), int(port), gostr(senderName)))
}

//export voidwarp_sender_start_peer
func voidwarp_sender_start_peer(sender C.uint64_t, deviceID, senderName *C.char) C.int {
	return C.int(lib.SenderStartPeer(uint64(sender), gostr(deviceID), gostr(senderName)))
}

//export voidwarp_sender_get_progress
func voidwarp_sender_get_progress(sender C.uint64_t) C.float {
	return C.float(lib.SenderProgress(uint64(sender)))
}

//export voidwarp_sender_cancel
func voidwarp_sender_cancel(sender C.uint64_t) {
	lib.SenderCancel(uint64(sender))
}

//export voidwarp_sender_get_size
func voidwarp_sender_get_size(sender C.uint64_t) C.uint64_t {
	return C.uint64_t(lib.SenderSize(uint64(sender)))
}

//export voidwarp_sender_get_name
func voidwarp_sender_get_name(sender C.uint64_t) *C.char {
	return cstr(lib.SenderName(uint64(sender)))
}

//export voidwarp_sender_get_checksum
func voidwarp_sender_get_checksum(sender C.uint64_t) *C.char {
	return cstr(lib.SenderChecksum(uint64(sender)))
}

//export voidwarp_destroy_sender
func voidwarp_destroy_sender(sender C.uint64_t) {
	lib.DestroySender(uint64(sender))
}

//export voidwarp_create_receiver
func voidwarp_create_receiver(handle C.uint64_t) C.uint64_t {
	return C.uint64_t(lib.CreateReceiver(uint64(handle)))
}

//export voidwarp_receiver_get_port
func voidwarp_receiver_get_port(receiver C.uint64_t) C.int {
	return C.int(lib.ReceiverPort(uint64(receiver)))
}

//export voidwarp_receiver_start
func voidwarp_receiver_start(receiver C.uint64_t) C.int {
	return C.int(lib.ReceiverStart(uint64(receiver)))
}

//export voidwarp_receiver_stop
func voidwarp_receiver_stop(receiver C.uint64_t) {
	lib.ReceiverStop(uint64(receiver))
}

//export voidwarp_receiver_get_state
func voidwarp_receiver_get_state(receiver C.uint64_t) C.int {
	return C.int(lib.ReceiverState(uint64(receiver)))
}

//export voidwarp_receiver_get_pending
func voidwarp_receiver_get_pending(receiver C.uint64_t) *C.char {
	return cstr(lib.ReceiverPending(uint64(receiver)))
}

//export voidwarp_receiver_accept
func voidwarp_receiver_accept(receiver C.uint64_t, dir *C.char) C.int {
	return C.int(lib.ReceiverAccept(uint64(receiver), gostr(dir)))
}

//export voidwarp_receiver_reject
func voidwarp_receiver_reject(receiver C.uint64_t) C.int {
	return C.int(lib.ReceiverReject(uint64(receiver)))
}

//export voidwarp_receiver_get_progress
func voidwarp_receiver_get_progress(receiver C.uint64_t) C.float {
	return C.float(lib.ReceiverProgress(uint64(receiver)))
}

//export voidwarp_receiver_get_bytes_received
func voidwarp_receiver_get_bytes_received(receiver C.uint64_t) C.uint64_t {
	return C.uint64_t(lib.ReceiverBytes(uint64(receiver)))
}

//export voidwarp_receiver_get_last_result
func voidwarp_receiver_get_last_result(receiver C.uint64_t) C.int {
	return C.int(lib.ReceiverLastResult(uint64(receiver)))
}

//export voidwarp_destroy_receiver
func voidwarp_destroy_receiver(receiver C.uint64_t) {
	lib.DestroyReceiver(uint64(receiver))
}

func main() {}
