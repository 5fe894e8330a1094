//go:build unix && (!cgo || !linux)

package nverbs

import "unsafe"

var defaultVerbs Verbs = unsupportedVerbs{}

type unsupportedVerbs struct{}

func (unsupportedVerbs) GetDeviceList() ([]DeviceInfo, error) { return nil, ErrUnsupported }
func (unsupportedVerbs) OpenDevice(string) (Handle, error)    { return 0, ErrUnsupported }
func (unsupportedVerbs) CloseDevice(Handle) error             { return ErrUnsupported }
func (unsupportedVerbs) QueryPort(Handle, uint8) (PortAttr, error) {
	return PortAttr{}, ErrUnsupported
}
func (unsupportedVerbs) QueryGID(Handle, uint8, int) (GID, error) { return GID{}, ErrUnsupported }
func (unsupportedVerbs) AllocPD(Handle) (Handle, error)           { return 0, ErrUnsupported }
func (unsupportedVerbs) DeallocPD(Handle) error                   { return ErrUnsupported }
func (unsupportedVerbs) RegMR(Handle, unsafe.Pointer, int, AccessFlags) (MRInfo, error) {
	return MRInfo{}, ErrUnsupported
}
func (unsupportedVerbs) DeregMR(Handle) error { return ErrUnsupported }
func (unsupportedVerbs) CreateCompChannel(Handle) (CompChannelInfo, error) {
	return CompChannelInfo{}, ErrUnsupported
}
func (unsupportedVerbs) DestroyCompChannel(Handle) error          { return ErrUnsupported }
func (unsupportedVerbs) CreateCQ(Handle, int, Handle) (Handle, error) {
	return 0, ErrUnsupported
}
func (unsupportedVerbs) DestroyCQ(Handle) error                   { return ErrUnsupported }
func (unsupportedVerbs) PollCQ(Handle, []WC) (int, error)         { return 0, ErrUnsupported }
func (unsupportedVerbs) ReqNotifyCQ(Handle, bool) error           { return ErrUnsupported }
func (unsupportedVerbs) WaitCQEvent(Handle, int) (Handle, error)  { return 0, ErrUnsupported }
func (unsupportedVerbs) AckCQEvents(Handle, uint32)               {}
func (unsupportedVerbs) CreateSRQ(Handle, SRQAttr) (Handle, error) {
	return 0, ErrUnsupported
}
func (unsupportedVerbs) DestroySRQ(Handle) error                  { return ErrUnsupported }
func (unsupportedVerbs) PostSRQRecv(Handle, []RecvWR) error       { return ErrUnsupported }
func (unsupportedVerbs) CreateAH(Handle, AHAttr) (Handle, error)  { return 0, ErrUnsupported }
func (unsupportedVerbs) DestroyAH(Handle) error                   { return ErrUnsupported }
func (unsupportedVerbs) CreateQP(Handle, QPInitAttr) (QPInfo, error) {
	return QPInfo{}, ErrUnsupported
}
func (unsupportedVerbs) ModifyQP(Handle, *QPAttr, QPAttrMask) error { return ErrUnsupported }
func (unsupportedVerbs) QueryQP(Handle, QPAttrMask) (QPAttr, QPInitAttr, error) {
	return QPAttr{}, QPInitAttr{}, ErrUnsupported
}
func (unsupportedVerbs) DestroyQP(Handle) error              { return ErrUnsupported }
func (unsupportedVerbs) PostSend(Handle, []SendWR) error     { return ErrUnsupported }
func (unsupportedVerbs) PostRecv(Handle, []RecvWR) error     { return ErrUnsupported }
