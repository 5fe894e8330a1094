package nverbs

// WCStatus mirrors ibv_wc_status. The list is complete per
// <infiniband/verbs.h>; completions carry these codes verbatim.
type WCStatus uint32

const (
	WCSuccess WCStatus = iota
	WCLocalLengthErr
	WCLocalQPOperationErr
	WCLocalEEContextOperationErr
	WCLocalProtectionErr
	WCWRFlushErr
	WCMWBindErr
	WCBadResponseErr
	WCLocalAccessErr
	WCRemoteInvalidRequestErr
	WCRemoteAccessErr
	WCRemoteOperationErr
	WCRetryExceededErr
	WCRNRRetryExceededErr
	WCLocalRDDViolationErr
	WCRemoteInvalidRDRequestErr
	WCRemoteAbortedErr
	WCInvalidEEContextNumErr
	WCInvalidEEContextStateErr
	WCFatalErr
	WCResponseTimeoutErr
	WCGeneralErr
	WCTagMatchingErr
	WCTagMatchingRndvIncomplete
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:                    "success",
	WCLocalLengthErr:             "local length error",
	WCLocalQPOperationErr:        "local QP operation error",
	WCLocalEEContextOperationErr: "local EE context operation error",
	WCLocalProtectionErr:         "local protection error",
	WCWRFlushErr:                 "WR flushed",
	WCMWBindErr:                  "memory window bind error",
	WCBadResponseErr:             "bad response error",
	WCLocalAccessErr:             "local access error",
	WCRemoteInvalidRequestErr:    "remote invalid request error",
	WCRemoteAccessErr:            "remote access error",
	WCRemoteOperationErr:         "remote operation error",
	WCRetryExceededErr:           "transport retry counter exceeded",
	WCRNRRetryExceededErr:        "RNR retry counter exceeded",
	WCLocalRDDViolationErr:       "local RDD violation error",
	WCRemoteInvalidRDRequestErr:  "remote invalid RD request",
	WCRemoteAbortedErr:           "aborted error",
	WCInvalidEEContextNumErr:     "invalid EE context number",
	WCInvalidEEContextStateErr:   "invalid EE context state",
	WCFatalErr:                   "fatal error",
	WCResponseTimeoutErr:         "response timeout error",
	WCGeneralErr:                 "general error",
	WCTagMatchingErr:             "tag matching error",
	WCTagMatchingRndvIncomplete:  "tag matching rendezvous incomplete",
}

func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}
	return "unknown status"
}

// OK reports whether the status denotes a successful completion.
func (s WCStatus) OK() bool {
	return s == WCSuccess
}

// Flushed reports whether the completion was produced by draining a queue
// pair in the error state.
func (s WCStatus) Flushed() bool {
	return s == WCWRFlushErr
}
