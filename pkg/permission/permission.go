// Package permission models caller capabilities and evaluates whether a caller
// may invoke a tool. Evaluation is a pure function with no I/O, so a single
// Evaluator is shared by every concurrent turn.
package permission

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Capability names a permission a caller holds, e.g. "patients:read".
type Capability string

// Known capabilities.
const (
	PatientsRead      Capability = "patients:read"
	ScheduleRead      Capability = "schedule:read"
	AppointmentsWrite Capability = "appointments:write"
	VisitsRead        Capability = "visits:read"
	BillingRead       Capability = "billing:read"
	TasksWrite        Capability = "tasks:write"
)

// Set is an immutable-by-convention set of capabilities.
type Set map[Capability]struct{}

// NewSet builds a Set from the given capabilities.
func NewSet(caps ...Capability) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		if c == "" {
			continue
		}
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s Set) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Sorted returns the capabilities in lexical order.
func (s Set) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Role is a staff or service role.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleDoctor        Role = "doctor"
	RoleNurse         Role = "nurse"
	RoleReceptionist  Role = "receptionist"
	RoleBilling       Role = "billing"
	RoleCustomerAgent Role = "customer_agent"
)

// RoleTable maps roles to their capability sets.
type RoleTable map[Role]Set

// DefaultRoles is the built-in role table. Config may replace entries.
func DefaultRoles() RoleTable {
	return RoleTable{
		RoleAdmin:        NewSet(PatientsRead, ScheduleRead, AppointmentsWrite, VisitsRead, BillingRead, TasksWrite),
		RoleDoctor:       NewSet(PatientsRead, ScheduleRead, AppointmentsWrite, VisitsRead, TasksWrite),
		RoleNurse:        NewSet(PatientsRead, ScheduleRead, VisitsRead),
		RoleReceptionist: NewSet(PatientsRead, ScheduleRead, AppointmentsWrite, BillingRead, TasksWrite),
		RoleBilling:      NewSet(PatientsRead, BillingRead, TasksWrite),
		// The automated customer agent never reads clinical visit history.
		RoleCustomerAgent: NewSet(PatientsRead, ScheduleRead, AppointmentsWrite, BillingRead, TasksWrite),
	}
}

// Capabilities returns the set for role, or an empty set for unknown roles.
func (t RoleTable) Capabilities(role Role) Set {
	if s, ok := t[role]; ok {
		return s
	}
	return Set{}
}

// Caller is the identity a tool call runs on behalf of: a staff user or the
// customer-agent service identity.
type Caller struct {
	ID           string
	Role         Role
	Capabilities Set
}

// NewCaller resolves role capabilities from the table.
func NewCaller(id string, role Role, table RoleTable) Caller {
	return Caller{ID: id, Role: role, Capabilities: table.Capabilities(role)}
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool
	// Reason is human readable and surfaced verbatim to the caller on denial.
	Reason  string
	Missing []Capability
}

// Evaluator decides whether a caller may invoke a tool requiring a set of capabilities.
type Evaluator struct{}

// Evaluate denies when any required capability is missing.
func (Evaluator) Evaluate(caller Caller, tool string, required []Capability) Decision {
	var missing []Capability
	for _, c := range required {
		if !caller.Capabilities.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return Decision{Allowed: true}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	names := make([]string, len(missing))
	for i, c := range missing {
		names[i] = string(c)
	}
	who := string(caller.Role)
	if who == "" {
		who = "caller"
	}
	return Decision{
		Allowed: false,
		Reason:  fmt.Sprintf("%s is not permitted to use %s: missing %s", who, tool, strings.Join(names, ", ")),
		Missing: missing,
	}
}
