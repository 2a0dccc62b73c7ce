package models

// Logical record-family prefixes. Physical collections append the configured
// time suffix, e.g. "sip_call_index_202008".
const (
	PrefixCallIndex     = "sip_call_index"
	PrefixRegisterIndex = "sip_register_index"
	PrefixSipRaw        = "sip_raw"
	PrefixUnparsedRaw   = "unparsed_raw"
	PrefixRecordingRaw  = "rec_raw"
	PrefixDtmfRaw       = "dtmf_raw"
	PrefixRtpIndex      = "rtpr_rtp_index"
	PrefixRtcpIndex     = "rtpr_rtcp_index"
	PrefixRtpRaw        = "rtpr_rtp_raw"
	PrefixRtcpRaw       = "rtpr_rtcp_raw"
)

// SIP method constants for the search and session contracts.
const (
	MethodInvite   = "INVITE"
	MethodRegister = "REGISTER"
)
