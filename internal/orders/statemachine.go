package orders

import "github.com/dog-best/meta-sub000/internal/domain"

// edge is one permitted move out of a status.
type edge struct {
	to      domain.Status
	parties []domain.Party
}

var (
	buyer         = []domain.Party{domain.PartyBuyer}
	seller        = []domain.Party{domain.PartySeller}
	buyerOrAdmin  = []domain.Party{domain.PartyBuyer, domain.PartyAdmin}
	escrowFunders = []domain.Party{domain.PartyBuyer, domain.PartySystem}
	releasers     = []domain.Party{domain.PartyBuyer, domain.PartyAdmin, domain.PartySystem}
	disputers     = []domain.Party{domain.PartyBuyer, domain.PartySeller, domain.PartyAdmin}
	refunders     = []domain.Party{domain.PartyAdmin, domain.PartySystem}
	adminOnly     = []domain.Party{domain.PartyAdmin}
)

// table is the adjacency list keyed by (delivery kind, current status).
// Statuses with no entry are terminal.
var table = buildTable()

func buildTable() map[domain.DeliveryKind]map[domain.Status][]edge {
	shared := func() map[domain.Status][]edge {
		return map[domain.Status][]edge{
			domain.StatusCreated: {
				{domain.StatusInEscrow, escrowFunders},
				{domain.StatusCancelled, buyerOrAdmin},
			},
			domain.StatusDelivered: {
				{domain.StatusReleased, releasers},
				{domain.StatusDisputed, disputers},
				{domain.StatusRefunded, refunders},
			},
			domain.StatusDisputed: {
				{domain.StatusDelivered, adminOnly},
				{domain.StatusRefunded, refunders},
			},
		}
	}

	physical := shared()
	physical[domain.StatusInEscrow] = []edge{
		{domain.StatusOutForDelivery, seller},
		{domain.StatusDisputed, disputers},
		{domain.StatusRefunded, refunders},
	}
	physical[domain.StatusOutForDelivery] = []edge{
		{domain.StatusDelivered, seller},
		{domain.StatusDisputed, disputers},
	}

	digital := shared()
	digital[domain.StatusInEscrow] = []edge{
		{domain.StatusDeliverableUploaded, seller},
		{domain.StatusDisputed, disputers},
		{domain.StatusRefunded, refunders},
	}
	digital[domain.StatusDeliverableUploaded] = []edge{
		{domain.StatusDelivered, buyer},
		{domain.StatusDisputed, disputers},
	}

	inPerson := shared()
	inPerson[domain.StatusInEscrow] = []edge{
		{domain.StatusDelivered, seller},
		{domain.StatusDisputed, disputers},
		{domain.StatusRefunded, refunders},
	}

	return map[domain.DeliveryKind]map[domain.Status][]edge{
		domain.KindPhysical: physical,
		domain.KindDigital:  digital,
		domain.KindInPerson: inPerson,
	}
}

func lookup(kind domain.DeliveryKind, from, to domain.Status) (edge, bool) {
	for _, e := range table[kind][from] {
		if e.to == to {
			return e, true
		}
	}
	return edge{}, false
}

// Allowed reports whether from -> to is an edge for this delivery kind.
func Allowed(kind domain.DeliveryKind, from, to domain.Status) bool {
	_, ok := lookup(kind, from, to)
	return ok
}

// Permitted reports whether party may drive from -> to.
func Permitted(kind domain.DeliveryKind, from, to domain.Status, party domain.Party) bool {
	e, ok := lookup(kind, from, to)
	if !ok {
		return false
	}
	for _, p := range e.parties {
		if p == party {
			return true
		}
	}
	return false
}

// Targets lists the statuses reachable from `from` in one step.
func Targets(kind domain.DeliveryKind, from domain.Status) []domain.Status {
	edges := table[kind][from]
	out := make([]domain.Status, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.to)
	}
	return out
}

// Disputable reports whether an order in s may have a dispute opened.
func Disputable(kind domain.DeliveryKind, s domain.Status) bool {
	return Allowed(kind, s, domain.StatusDisputed)
}
