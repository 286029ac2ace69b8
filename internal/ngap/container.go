package ngap

import (
	"fmt"

	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/rs/zerolog/log"
)

// ContainerType identifies the N2 SM information carried in a container.
type ContainerType uint8

const (
	ContainerResourceModifyRequest  ContainerType = 1
	ContainerResourceSetupRequest   ContainerType = 2
	ContainerResourceReleaseCommand ContainerType = 3
)

func (c ContainerType) String() string {
	switch c {
	case ContainerResourceModifyRequest:
		return "PDU_RES_MOD_REQ"
	case ContainerResourceSetupRequest:
		return "PDU_RES_SETUP_REQ"
	case ContainerResourceReleaseCommand:
		return "PDU_RES_REL_CMD"
	default:
		return fmt.Sprintf("container(%d)", uint8(c))
	}
}

// Field IDs.
const (
	FieldContainerType uint16 = 1
	FieldSessionID     uint16 = 2
	FieldPSI           uint16 = 3
	FieldOwner         uint16 = 4

	FieldQFI         uint16 = 100
	FieldFiveQI      uint16 = 101
	FieldARPPriority uint16 = 102

	FieldUserPlaneSecurity uint16 = 200

	FieldReleaseCause uint16 = 300
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Container ContainerType
	FieldID   uint16
	Reason    string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("ngap: container=%s: %s", e.Container, e.Reason)
	}
	return fmt.Sprintf("ngap: container=%s field=%d: %s", e.Container, e.FieldID, e.Reason)
}

var common = []Requirement{
	{FieldContainerType, TypeU8},
	{FieldSessionID, TypeU64},
	{FieldPSI, TypeU8},
	{FieldOwner, TypeString},
}

var requirements = map[ContainerType][]Requirement{
	ContainerResourceModifyRequest: {
		{FieldQFI, TypeU8},
		{FieldFiveQI, TypeU8},
		{FieldARPPriority, TypeU8},
	},
	ContainerResourceSetupRequest: {
		{FieldQFI, TypeU8},
		{FieldFiveQI, TypeU8},
		{FieldUserPlaneSecurity, TypeBool},
	},
	ContainerResourceReleaseCommand: {
		{FieldReleaseCause, TypeString},
	},
}

// Validate enforces required fields and their types. Unknown fields are
// ignored.
func Validate(fields []Field) (ContainerType, error) {
	f, ok := GetField(fields, FieldContainerType)
	if !ok {
		return 0, ValidationError{FieldID: FieldContainerType, Reason: "missing container type"}
	}
	raw, err := U8FromBytes(f.Value)
	if err != nil {
		return 0, ValidationError{FieldID: FieldContainerType, Reason: err.Error()}
	}
	ct := ContainerType(raw)
	reqs, ok := requirements[ct]
	if !ok {
		return ct, ValidationError{Container: ct, Reason: "unknown container type"}
	}
	for _, req := range append(common[1:len(common):len(common)], reqs...) {
		f, found := GetField(fields, req.ID)
		if !found {
			return ct, ValidationError{Container: ct, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ct, ValidationError{Container: ct, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return ct, nil
}

// QosProfile is the flow description placed in every container.
type QosProfile struct {
	QFI         uint8
	FiveQI      uint8
	ARPPriority uint8
}

func DefaultQosProfile() QosProfile {
	return QosProfile{QFI: 1, FiveQI: 9, ARPPriority: 8}
}

// Builder encodes containers for a session.
type Builder struct {
	Profile           QosProfile
	UserPlaneSecurity bool
}

func NewBuilder(profile QosProfile) *Builder {
	return &Builder{Profile: profile}
}

func (b *Builder) header(ct ContainerType, sess pdu.Session) []Field {
	return []Field{
		U8Field(FieldContainerType, uint8(ct)),
		U64Field(FieldSessionID, uint64(sess.ID)),
		U8Field(FieldPSI, sess.PSI),
		StringField(FieldOwner, sess.OwnerID),
	}
}

// QosFlowBinding builds the modify request sent after establishment to bind
// the session's QoS flow.
func (b *Builder) QosFlowBinding(sess pdu.Session) ([]byte, error) {
	if sess.OwnerID == "" {
		return nil, fmt.Errorf("ngap: %s: empty owner", ContainerResourceModifyRequest)
	}
	fields := append(b.header(ContainerResourceModifyRequest, sess),
		U8Field(FieldQFI, b.Profile.QFI),
		U8Field(FieldFiveQI, b.Profile.FiveQI),
		U8Field(FieldARPPriority, b.Profile.ARPPriority),
	)
	out := EncodeFields(fields)
	log.Debug().
		Str("container", ContainerResourceModifyRequest.String()).
		Str("session_id", sess.ID.String()).
		Int("bytes", len(out)).
		Msg("n2 container built")
	return out, nil
}

// ResourceSetupRequestTransfer builds the setup request resent when the
// N1 message could not be delivered.
func (b *Builder) ResourceSetupRequestTransfer(sess pdu.Session) ([]byte, error) {
	if sess.OwnerID == "" {
		return nil, fmt.Errorf("ngap: %s: empty owner", ContainerResourceSetupRequest)
	}
	fields := append(b.header(ContainerResourceSetupRequest, sess),
		U8Field(FieldQFI, b.Profile.QFI),
		U8Field(FieldFiveQI, b.Profile.FiveQI),
		BoolField(FieldUserPlaneSecurity, b.UserPlaneSecurity),
	)
	out := EncodeFields(fields)
	log.Debug().
		Str("container", ContainerResourceSetupRequest.String()).
		Str("session_id", sess.ID.String()).
		Int("bytes", len(out)).
		Msg("n2 container built")
	return out, nil
}

// ResourceReleaseCommandTransfer builds the release command carried by a
// release or error-indication transfer.
func (b *Builder) ResourceReleaseCommandTransfer(sess pdu.Session, cause string) ([]byte, error) {
	if sess.OwnerID == "" {
		return nil, fmt.Errorf("ngap: %s: empty owner", ContainerResourceReleaseCommand)
	}
	if cause == "" {
		cause = "normal_release"
	}
	fields := append(b.header(ContainerResourceReleaseCommand, sess),
		StringField(FieldReleaseCause, cause),
	)
	return EncodeFields(fields), nil
}

// Container is a decoded, validated N2 SM container.
type Container struct {
	Type      ContainerType
	SessionID pdu.SessionID
	PSI       uint8
	Owner     string
	Qos       QosProfile

	ReleaseCause string
}

func Decode(payload []byte) (Container, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return Container{}, err
	}
	ct, err := Validate(fields)
	if err != nil {
		return Container{}, err
	}
	out := Container{Type: ct}
	f, _ := GetField(fields, FieldSessionID)
	sid, err := U64FromBytes(f.Value)
	if err != nil {
		return Container{}, err
	}
	out.SessionID = pdu.SessionID(sid)
	f, _ = GetField(fields, FieldPSI)
	if out.PSI, err = U8FromBytes(f.Value); err != nil {
		return Container{}, err
	}
	f, _ = GetField(fields, FieldOwner)
	out.Owner = string(f.Value)
	if f, ok := GetField(fields, FieldReleaseCause); ok {
		out.ReleaseCause = string(f.Value)
	}
	if f, ok := GetField(fields, FieldQFI); ok {
		if out.Qos.QFI, err = U8FromBytes(f.Value); err != nil {
			return Container{}, err
		}
	}
	if f, ok := GetField(fields, FieldFiveQI); ok {
		if out.Qos.FiveQI, err = U8FromBytes(f.Value); err != nil {
			return Container{}, err
		}
	}
	if f, ok := GetField(fields, FieldARPPriority); ok {
		if out.Qos.ARPPriority, err = U8FromBytes(f.Value); err != nil {
			return Container{}, err
		}
	}
	return out, nil
}
