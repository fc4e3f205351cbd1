package schema

// Feature tags advertised in HELLO and negotiated per remote client.
const (
	FeatureAbilities     = "abilities"
	FeatureSkills        = "skills"
	FeatureCombat        = "combat"
	FeatureRolls         = "rolls"
	FeatureSpells        = "spells"
	FeatureWeapons       = "weapons"
	FeatureItems         = "items"
	FeatureCombatTracker = "combat-tracker"
)

// Top-level fields every character snapshot carries.
const (
	FieldIdentity  = "identity"
	FieldCombat    = "combat"
	FieldAbilities = "abilities"
	FieldSkills    = "skills"
	FieldSpells    = "spells"
	FieldWeapons   = "weapons"
	FieldItems     = "items"
)

var baseRequired = []string{FieldIdentity, FieldCombat, FieldAbilities, FieldSkills}

// Builtin returns the definitions shipped with this build. Version 2 adds spellcasting, weapons and
// inventory; snapshots from version 1 gain empty lists for them.
func Builtin() []Definition {
	return []Definition{
		{
			Version:  1,
			Name:     "base",
			Features: []string{FeatureAbilities, FeatureSkills, FeatureCombat, FeatureRolls},
			Required: baseRequired,
		},
		{
			Version: 2,
			Name:    "arsenal",
			Features: []string{
				FeatureAbilities, FeatureSkills, FeatureCombat, FeatureRolls,
				FeatureSpells, FeatureWeapons, FeatureItems, FeatureCombatTracker,
			},
			Required: baseRequired,
			Migrate: func(s Snapshot) (Snapshot, error) {
				for _, field := range []string{FieldSpells, FieldWeapons, FieldItems} {
					if _, ok := s[field]; !ok {
						s[field] = []any{}
					}
				}
				return s, nil
			},
		},
	}
}

// NewBuiltinRegistry is NewRegistry(Builtin()...), which cannot fail.
func NewBuiltinRegistry() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic(err)
	}
	return r
}
