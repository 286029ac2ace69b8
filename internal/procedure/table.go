package procedure

import "github.com/danmuck/smfctl/internal/pdu"

type rule int

const (
	ruleNone rule = iota
	ruleQosFlowBinding
	rulePeerFailure
	ruleRecordModify
	ruleLocatorRecordModify
	ruleAwaitRelease
	ruleResendWithFailureNotify
	ruleRecordRelease
)

func (r rule) String() string {
	switch r {
	case ruleQosFlowBinding:
		return "qos_flow_binding"
	case rulePeerFailure:
		return "peer_failure"
	case ruleRecordModify:
		return "record_modify"
	case ruleLocatorRecordModify:
		return "locator_record_modify"
	case ruleAwaitRelease:
		return "await_release"
	case ruleResendWithFailureNotify:
		return "resend_with_failure_notify"
	case ruleRecordRelease:
		return "record_release"
	default:
		return "none"
	}
}

// group folds states that share one peer contract.
type group int

const (
	groupEstablishing group = iota
	groupModify
	groupRelease
)

func groupOf(state pdu.State) (group, bool) {
	switch state {
	case pdu.StateEstablishing:
		return groupEstablishing, true
	case pdu.StateNetworkTriggeredServiceRequest, pdu.StateQosFlowModification:
		return groupModify, true
	case pdu.StateReleaseOrErrorIndication:
		return groupRelease, true
	default:
		return 0, false
	}
}

// anyCause matches every cause for its (group, status) pair.
const anyCause Cause = -1

type tableKey struct {
	group  group
	status statusClass
	cause  Cause
}

var decisionTable = map[tableKey]rule{
	{groupEstablishing, statusOK, anyCause}:       ruleQosFlowBinding,
	{groupEstablishing, statusAccepted, anyCause}: rulePeerFailure,
	{groupEstablishing, statusOther, anyCause}:    rulePeerFailure,

	{groupModify, statusOK, CauseN1N2TransferInitiated}:     ruleRecordModify,
	{groupModify, statusAccepted, CauseAttemptingToReachUE}: ruleLocatorRecordModify,
	{groupModify, statusOther, anyCause}:                    rulePeerFailure,

	{groupRelease, statusAccepted, CauseAttemptingToReachUE}: ruleAwaitRelease,
	{groupRelease, statusOK, CauseN1MsgNotTransferred}:       ruleResendWithFailureNotify,
	{groupRelease, statusOK, CauseN1N2TransferInitiated}:     ruleRecordRelease,
	{groupRelease, statusOther, anyCause}:                    rulePeerFailure,
}

// decide looks up the exact cause row first, then the any-cause row.
func decide(state pdu.State, status int, cause Cause) (rule, bool) {
	g, ok := groupOf(state)
	if !ok {
		return ruleNone, false
	}
	sc := classifyStatus(status)
	if r, ok := decisionTable[tableKey{g, sc, cause}]; ok {
		return r, true
	}
	if r, ok := decisionTable[tableKey{g, sc, anyCause}]; ok {
		return r, true
	}
	return ruleNone, false
}
