package domain

// ActorType classifies the party performing a compliance action.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorRunner ActorType = "runner"
	ActorAdmin  ActorType = "admin"
)

// IsValid reports whether t is one of the known actor types.
func (t ActorType) IsValid() bool {
	switch t {
	case ActorSystem, ActorRunner, ActorAdmin:
		return true
	}
	return false
}

// Permission names a grant carried by an actor's credentials.
type Permission string

// PermissionManageDeliveries is the explicit grant that allows non-admin
// actors to override and skip checks.
const PermissionManageDeliveries Permission = "manage_deliveries"

// Actor is the authenticated party behind a request.
type Actor struct {
	ID          string       `json:"actor_id"`
	Type        ActorType    `json:"actor_type"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// SystemActorID is recorded as the actor of automatic evaluations.
const SystemActorID = "compliance-engine"

// SystemActor is the actor used for automatic rule evaluation.
var SystemActor = Actor{ID: SystemActorID, Type: ActorSystem}

// HasPermission reports whether the actor holds p.
func (a Actor) HasPermission(p Permission) bool {
	for _, granted := range a.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// IsZero reports whether no actor has been set.
func (a Actor) IsZero() bool {
	return a.ID == "" && a.Type == ""
}
