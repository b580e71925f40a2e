package linkage

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

const DefaultMasterIdentifierDomain = "NHID"

// MasterFactory builds the anchor record for a new master of source.
type MasterFactory func(source *models.Record) *models.Record

// EntityHandler is the per entity type entry of the engine's dispatch table.
type EntityHandler struct {
	EntityType  string
	MatchConfig string
	NewMaster   MasterFactory
}

type Config struct {
	AutoMerge              bool
	MasterIdentifierDomain string
	Entities               []EntityHandler
}

// DefaultEntities governs the common healthcare entity types with default master anchors.
func DefaultEntities() []EntityHandler {
	return []EntityHandler{
		{EntityType: "Patient"},
		{EntityType: "Practitioner"},
		{EntityType: "Organization"},
	}
}

// handlers indexes entity handlers by upper-cased entity type and fills default factories.
func handlers(cfg Config, gen *IdentifierGenerator) map[string]EntityHandler {
	out := make(map[string]EntityHandler, len(cfg.Entities))
	for _, h := range cfg.Entities {
		if h.NewMaster == nil {
			h.NewMaster = anchorFactory(gen)
		}
		out[strings.ToUpper(h.EntityType)] = h
	}
	return out
}

// anchorFactory creates a minimal master carrying the source's determiner and a freshly
// generated master identifier. Attributes are synthesized on read, never stored.
func anchorFactory(gen *IdentifierGenerator) MasterFactory {
	return func(source *models.Record) *models.Record {
		determiner := source.Determiner
		if determiner == "" {
			determiner = models.DeterminerInstance
		}
		return &models.Record{
			Key:            uuid.NewString(),
			EntityType:     source.EntityType,
			Classification: models.ClassificationMaster,
			Status:         models.StatusActive,
			Determiner:     determiner,
			Identifiers:    []models.Identifier{gen.Next()},
			Attributes:     map[string]any{},
			Provenance:     models.SystemPrincipal().Provenance(),
		}
	}
}

// IdentifierGenerator issues master identifiers: nine random digits followed by a mod 11
// check digit.
type IdentifierGenerator struct {
	Domain string
}

func NewIdentifierGenerator(domain string) *IdentifierGenerator {
	if domain == "" {
		domain = DefaultMasterIdentifierDomain
	}
	return &IdentifierGenerator{Domain: domain}
}

func (g *IdentifierGenerator) Next() models.Identifier {
	for {
		id := uuid.New()
		body := fmt.Sprintf("%09d", binary.BigEndian.Uint64(id[:8])%1_000_000_000)
		if check, ok := checkDigit(body); ok {
			return models.Identifier{Domain: g.Domain, Value: body + check}
		}
	}
}

// ValidIdentifier reports whether value carries a correct check digit.
func ValidIdentifier(value string) bool {
	if len(value) != 10 {
		return false
	}
	check, ok := checkDigit(value[:9])
	return ok && value[9:] == check
}

// checkDigit is the mod 11 check digit with weights 10 down to 2. A remainder that would need
// a two digit check is rejected.
func checkDigit(body string) (string, bool) {
	sum := 0
	for i, r := range body {
		if r < '0' || r > '9' {
			return "", false
		}
		sum += int(r-'0') * (10 - i)
	}
	check := (11 - sum%11) % 11
	if check == 10 {
		return "", false
	}
	return fmt.Sprint(check), true
}
