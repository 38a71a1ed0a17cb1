package agent

// Connection states.
const (
	StateInvitationGenerated        = "InvitationGenerated"
	StateInvitationReceived         = "InvitationReceived"
	StateConnectionRequestPending   = "ConnectionRequestPending"
	StateConnectionRequestSent      = "ConnectionRequestSent"
	StateConnectionRequestReceived  = "ConnectionRequestReceived"
	StateConnectionResponsePending  = "ConnectionResponsePending"
	StateConnectionResponseSent     = "ConnectionResponseSent"
	StateConnectionResponseReceived = "ConnectionResponseReceived"
)

// Issue credential protocol states.
const (
	StateOfferPending        = "OfferPending"
	StateOfferSent           = "OfferSent"
	StateOfferReceived       = "OfferReceived"
	StateRequestPending      = "RequestPending"
	StateRequestSent         = "RequestSent"
	StateRequestReceived     = "RequestReceived"
	StateCredentialPending   = "CredentialPending"
	StateCredentialGenerated = "CredentialGenerated"
	StateCredentialSent      = "CredentialSent"
	StateCredentialReceived  = "CredentialReceived"
)

// DID publication status.
const (
	DIDStatusCreated            = "CREATED"
	DIDStatusPublicationPending = "PUBLICATION_PENDING"
	DIDStatusPublished          = "PUBLISHED"
)

// Invitation is the out-of-band invitation created by the inviter.
type Invitation struct {
	ID            string `json:"id"`
	Type          string `json:"type,omitempty"`
	From          string `json:"from,omitempty"`
	InvitationURL string `json:"invitationUrl"`
}

// Connection is a connection record as seen by one side.
type Connection struct {
	ConnectionID string     `json:"connectionId"`
	ThreadID     string     `json:"thid"`
	Label        string     `json:"label,omitempty"`
	Role         string     `json:"role,omitempty"`
	State        string     `json:"state"`
	Invitation   Invitation `json:"invitation"`
}

// Record is an issue-credential record as seen by one side.
type Record struct {
	RecordID      string         `json:"recordId"`
	ThreadID      string         `json:"thid"`
	Role          string         `json:"role,omitempty"`
	ProtocolState string         `json:"protocolState"`
	SubjectID     string         `json:"subjectId,omitempty"`
	SchemaID      string         `json:"schemaId,omitempty"`
	Claims        map[string]any `json:"claims,omitempty"`
	Credential    string         `json:"credential,omitempty"`
}

// DID is a managed DID.
type DID struct {
	DID         string `json:"did"`
	LongFormDID string `json:"longFormDid"`
	Status      string `json:"status"`
}

// Schema is a credential schema registered by an issuer.
type Schema struct {
	GUID    string `json:"guid"`
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Author  string `json:"author"`
}
