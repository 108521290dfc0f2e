// Package types defines the core domain model shared by the connector:
// the transfer process entity, its lifecycle states and the addresses and
// resources it carries.
package types

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrIllegalTransition is returned when a state change is not allowed by the
// transfer process lifecycle.
var ErrIllegalTransition = errors.New("illegal state transition")

// ============================================================================
// Lifecycle states
// ============================================================================

// TransferProcessState is the persisted numeric state code.
type TransferProcessState int

const (
	Initial        TransferProcessState = 100
	Provisioning   TransferProcessState = 200
	Provisioned    TransferProcessState = 300
	Requesting     TransferProcessState = 400
	Requested      TransferProcessState = 500
	Starting       TransferProcessState = 550
	Started        TransferProcessState = 600
	Suspending     TransferProcessState = 650
	Suspended      TransferProcessState = 700
	Completing     TransferProcessState = 750
	Completed      TransferProcessState = 800
	Terminating    TransferProcessState = 825
	Terminated     TransferProcessState = 850
	Deprovisioning TransferProcessState = 900
	Deprovisioned  TransferProcessState = 1000
	Ended          TransferProcessState = 1100
	Cancelled      TransferProcessState = 1200
)

var stateNames = map[TransferProcessState]string{
	Initial:        "INITIAL",
	Provisioning:   "PROVISIONING",
	Provisioned:    "PROVISIONED",
	Requesting:     "REQUESTING",
	Requested:      "REQUESTED",
	Starting:       "STARTING",
	Started:        "STARTED",
	Suspending:     "SUSPENDING",
	Suspended:      "SUSPENDED",
	Completing:     "COMPLETING",
	Completed:      "COMPLETED",
	Terminating:    "TERMINATING",
	Terminated:     "TERMINATED",
	Deprovisioning: "DEPROVISIONING",
	Deprovisioned:  "DEPROVISIONED",
	Ended:          "ENDED",
	Cancelled:      "CANCELLED",
}

func (s TransferProcessState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// ParseState resolves a state from its name, e.g. "STARTED".
func ParseState(name string) (TransferProcessState, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// IsFinal reports whether no further work is scheduled for a process in this
// state. COMPLETED and TERMINATED still accept a deprovision request.
func (s TransferProcessState) IsFinal() bool {
	switch s {
	case Completed, Terminated, Cancelled, Deprovisioned, Ended:
		return true
	}
	return false
}

// Role is the side of the transfer a connector plays.
type Role string

const (
	Consumer Role = "CONSUMER"
	Provider Role = "PROVIDER"
)

// transitions lists the forward edges of the lifecycle. Terminate, failure
// and cancel edges are checked separately in CanTransitionTo.
var transitions = map[TransferProcessState][]TransferProcessState{
	Initial:        {Provisioning},
	Provisioning:   {Provisioned},
	Provisioned:    {Requesting, Starting},
	Requesting:     {Requested},
	Requested:      {Starting, Started},
	Starting:       {Started},
	Started:        {Suspending, Suspended, Completing, Completed},
	Suspending:     {Suspended},
	Suspended:      {Starting, Started},
	Completing:     {Completed},
	Completed:      {Deprovisioning},
	Terminating:    {Terminated},
	Terminated:     {Deprovisioning},
	Deprovisioning: {Deprovisioned},
	Deprovisioned:  {Ended},
}

// ============================================================================
// Addresses and resources
// ============================================================================

// DataAddress locates data at an endpoint. Type selects the source or sink
// implementation able to handle it.
type DataAddress struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Property returns the named property or "".
func (a *DataAddress) Property(key string) string {
	if a == nil || a.Properties == nil {
		return ""
	}
	return a.Properties[key]
}

// Copy returns a deep copy; nil stays nil.
func (a *DataAddress) Copy() *DataAddress {
	if a == nil {
		return nil
	}
	return &DataAddress{Type: a.Type, Properties: maps.Clone(a.Properties)}
}

// ResourceDefinition describes one resource that must exist before data can
// move, e.g. a staging directory.
type ResourceDefinition struct {
	ID           string            `json:"id"`
	ResourceType string            `json:"resourceType"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// ResourceManifest is the set of definitions generated for a process.
type ResourceManifest struct {
	Definitions []ResourceDefinition `json:"definitions"`
}

// Empty reports whether nothing needs provisioning.
func (m *ResourceManifest) Empty() bool {
	return m == nil || len(m.Definitions) == 0
}

// ProvisionedResource is the outcome of provisioning one definition.
type ProvisionedResource struct {
	ID                   string            `json:"id"`
	ResourceDefinitionID string            `json:"resourceDefinitionId"`
	ResourceName         string            `json:"resourceName"`
	ResourceType         string            `json:"resourceType"`
	DataAddress          *DataAddress      `json:"dataAddress,omitempty"`
	Properties           map[string]string `json:"properties,omitempty"`
}

// ProvisionedResourceSet collects provisioned resources for a process.
type ProvisionedResourceSet struct {
	Resources []ProvisionedResource `json:"resources"`
}

// DeprovisionedResource records the release of a provisioned resource.
type DeprovisionedResource struct {
	ProvisionedResourceID string `json:"provisionedResourceId"`
	Error                 string `json:"error,omitempty"`
}

// CallbackAddress receives lifecycle events for a process. An empty Events
// list subscribes to every event.
type CallbackAddress struct {
	URI     string   `json:"uri"`
	Events  []string `json:"events,omitempty"`
	AuthKey string   `json:"authKey,omitempty"`
	AuthRef string   `json:"authCodeId,omitempty"`
}

// Accepts reports whether the address subscribed to the event type.
func (c CallbackAddress) Accepts(eventType string) bool {
	return len(c.Events) == 0 || slices.Contains(c.Events, eventType)
}

// ProtocolMessages keeps sent/received message ids for deduplication.
type ProtocolMessages struct {
	Sent     []string `json:"sent,omitempty"`
	Received []string `json:"received,omitempty"`
}

// ============================================================================
// TransferProcess
// ============================================================================

// TransferProcess is the persistent record of one transfer between two
// connectors. Timestamps are Unix milliseconds.
type TransferProcess struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
	Type          Role   `json:"type"`

	State          TransferProcessState `json:"state"`
	StateCount     int                  `json:"stateCount"`
	StateTimestamp int64                `json:"stateTimestamp"`
	CreatedAt      int64                `json:"createdAt"`
	UpdatedAt      int64                `json:"updatedAt"`

	AssetID             string `json:"assetId,omitempty"`
	ContractID          string `json:"contractId,omitempty"`
	Protocol            string `json:"protocol,omitempty"`
	CounterPartyAddress string `json:"counterPartyAddress,omitempty"`
	TransferType        string `json:"transferType,omitempty"`

	ContentDataAddress     *DataAddress            `json:"contentDataAddress,omitempty"`
	DataDestination        *DataAddress            `json:"dataDestination,omitempty"`
	ResourceManifest       *ResourceManifest       `json:"resourceManifest,omitempty"`
	ProvisionedResourceSet *ProvisionedResourceSet `json:"provisionedResourceSet,omitempty"`
	DeprovisionedResources []DeprovisionedResource `json:"deprovisionedResources,omitempty"`
	ProtocolMessages       ProtocolMessages        `json:"protocolMessages"`
	CallbackAddresses      []CallbackAddress       `json:"callbackAddresses,omitempty"`
	PrivateProperties      map[string]string       `json:"privateProperties,omitempty"`

	Pending     bool   `json:"pending"`
	ErrorDetail string `json:"errorDetail,omitempty"`
}

// CanTransitionTo reports whether the lifecycle allows moving to the target
// state from the current one, taking the role into account.
func (tp *TransferProcess) CanTransitionTo(to TransferProcessState) bool {
	from := tp.State
	switch to {
	case Terminating, Terminated:
		if from == Terminating && to == Terminated {
			return true
		}
		return !from.IsFinal() && from != Terminating && from != Deprovisioning
	case Cancelled:
		return from < Started
	case Requesting, Requested:
		if tp.Type == Provider {
			return false
		}
	case Starting:
		if from == Provisioned && tp.Type != Provider {
			return false
		}
	}
	return slices.Contains(transitions[from], to)
}

// TransitionTo moves the process to a new state, resetting the retry counter.
func (tp *TransferProcess) TransitionTo(to TransferProcessState, now int64) error {
	if !tp.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, tp.State, to, tp.ID)
	}
	tp.State = to
	tp.StateCount = 1
	tp.StateTimestamp = now
	tp.UpdatedAt = now
	tp.Pending = false
	return nil
}

// Retry records another attempt in the current state.
func (tp *TransferProcess) Retry(now int64) {
	tp.StateCount++
	tp.StateTimestamp = now
	tp.UpdatedAt = now
}

// Fail moves the process to TERMINATED and records the reason.
func (tp *TransferProcess) Fail(detail string, now int64) error {
	if err := tp.TransitionTo(Terminated, now); err != nil {
		return err
	}
	tp.ErrorDetail = detail
	return nil
}

// ProvisionedResources returns the resources provisioned so far.
func (tp *TransferProcess) ProvisionedResources() []ProvisionedResource {
	if tp.ProvisionedResourceSet == nil {
		return nil
	}
	return tp.ProvisionedResourceSet.Resources
}

// AddProvisionedResource records a provisioned resource, replacing an earlier
// one for the same definition so replays stay idempotent.
func (tp *TransferProcess) AddProvisionedResource(r ProvisionedResource) {
	if tp.ProvisionedResourceSet == nil {
		tp.ProvisionedResourceSet = &ProvisionedResourceSet{}
	}
	set := tp.ProvisionedResourceSet
	for i := range set.Resources {
		if set.Resources[i].ResourceDefinitionID == r.ResourceDefinitionID {
			set.Resources[i] = r
			return
		}
	}
	set.Resources = append(set.Resources, r)
}

// ProvisioningComplete reports whether every definition in the manifest has a
// provisioned resource.
func (tp *TransferProcess) ProvisioningComplete() bool {
	if tp.ResourceManifest.Empty() {
		return true
	}
	for _, def := range tp.ResourceManifest.Definitions {
		if !slices.ContainsFunc(tp.ProvisionedResources(), func(r ProvisionedResource) bool {
			return r.ResourceDefinitionID == def.ID
		}) {
			return false
		}
	}
	return true
}

// AddDeprovisionedResource records a released resource once.
func (tp *TransferProcess) AddDeprovisionedResource(r DeprovisionedResource) {
	if slices.ContainsFunc(tp.DeprovisionedResources, func(d DeprovisionedResource) bool {
		return d.ProvisionedResourceID == r.ProvisionedResourceID
	}) {
		return
	}
	tp.DeprovisionedResources = append(tp.DeprovisionedResources, r)
}

// ResourcesToDeprovision lists provisioned resources not yet released.
func (tp *TransferProcess) ResourcesToDeprovision() []ProvisionedResource {
	var out []ProvisionedResource
	for _, r := range tp.ProvisionedResources() {
		if !slices.ContainsFunc(tp.DeprovisionedResources, func(d DeprovisionedResource) bool {
			return d.ProvisionedResourceID == r.ID
		}) {
			out = append(out, r)
		}
	}
	return out
}

// DeprovisionComplete reports whether every provisioned resource is released.
func (tp *TransferProcess) DeprovisionComplete() bool {
	return len(tp.ResourcesToDeprovision()) == 0
}

// MessageSent records an outgoing protocol message id.
func (tp *TransferProcess) MessageSent(id string) {
	tp.ProtocolMessages.Sent = append(tp.ProtocolMessages.Sent, id)
}

// MessageReceived records an incoming message id and reports false when the
// message was already seen.
func (tp *TransferProcess) MessageReceived(id string) bool {
	if id == "" {
		return true
	}
	if slices.Contains(tp.ProtocolMessages.Received, id) {
		return false
	}
	tp.ProtocolMessages.Received = append(tp.ProtocolMessages.Received, id)
	return true
}

// Copy returns a deep copy safe to mutate independently of the original.
func (tp *TransferProcess) Copy() *TransferProcess {
	if tp == nil {
		return nil
	}
	c := *tp
	c.ContentDataAddress = tp.ContentDataAddress.Copy()
	c.DataDestination = tp.DataDestination.Copy()
	if tp.ResourceManifest != nil {
		m := ResourceManifest{Definitions: make([]ResourceDefinition, len(tp.ResourceManifest.Definitions))}
		for i, d := range tp.ResourceManifest.Definitions {
			d.Properties = maps.Clone(d.Properties)
			m.Definitions[i] = d
		}
		c.ResourceManifest = &m
	}
	if tp.ProvisionedResourceSet != nil {
		s := ProvisionedResourceSet{Resources: make([]ProvisionedResource, len(tp.ProvisionedResourceSet.Resources))}
		for i, r := range tp.ProvisionedResourceSet.Resources {
			r.DataAddress = r.DataAddress.Copy()
			r.Properties = maps.Clone(r.Properties)
			s.Resources[i] = r
		}
		c.ProvisionedResourceSet = &s
	}
	c.DeprovisionedResources = slices.Clone(tp.DeprovisionedResources)
	c.ProtocolMessages = ProtocolMessages{
		Sent:     slices.Clone(tp.ProtocolMessages.Sent),
		Received: slices.Clone(tp.ProtocolMessages.Received),
	}
	if tp.CallbackAddresses != nil {
		c.CallbackAddresses = make([]CallbackAddress, len(tp.CallbackAddresses))
		for i, cb := range tp.CallbackAddresses {
			cb.Events = slices.Clone(cb.Events)
			c.CallbackAddresses[i] = cb
		}
	}
	c.PrivateProperties = maps.Clone(tp.PrivateProperties)
	return &c
}

// SnapshotData is the persisted image of an in-memory transfer process store.
type SnapshotData struct {
	Processes map[string]*TransferProcess `json:"processes"`
	SchemaVer int                         `json:"schema_ver"`
	LastSeq   uint64                      `json:"last_seq"`
}
