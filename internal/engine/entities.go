package engine

import (
	"github.com/vitaliisemenov/xregistry-bridge/internal/upstream"
	"github.com/vitaliisemenov/xregistry-bridge/internal/xregistry"
)

// Entity is one xRegistry JSON document under construction. Plain maps:
// the root references groups and groups reference the root purely through
// composed URL strings, never in-memory pointers.
type Entity map[string]any

// common stamps the attributes every entity carries.
func (s *Service) common(base, xid string) Entity {
	return Entity{
		"xid":        xid,
		"self":       xregistry.Self(base, xid),
		"epoch":      s.State.Epoch(xid),
		"createdat":  xregistry.Timestamp(s.State.CreatedAt(xid)),
		"modifiedat": xregistry.Timestamp(s.State.ModifiedAt(xid)),
	}
}

// rootEntity builds the registry root document.
func (s *Service) rootEntity(base string) Entity {
	e := s.common(base, "/")
	e["specversion"] = xregistry.SpecVersion
	e["registryid"] = s.RegistryID
	e["modelurl"] = base + "/model"
	e["capabilitiesurl"] = base + "/capabilities"

	counts := make(map[string]int)
	for _, g := range s.Groups {
		counts[g.Type]++
	}
	for gt, n := range counts {
		e[gt+"url"] = base + "/" + gt
		e[gt+"count"] = n
	}
	return e
}

// groupEntity builds one group document.
func (s *Service) groupEntity(base string, g *GroupDef) Entity {
	xid := xregistry.GroupXID(g.Type, g.ID)
	e := s.common(base, xid)
	e[singularOf(g.Type)+"id"] = g.ID
	e["name"] = g.ID
	e[g.ResourceType+"url"] = xregistry.Self(base, xid) + "/" + g.ResourceType
	e[g.ResourceType+"count"] = g.Catalog.Len()
	return e
}

// resourceEntity builds one resource document. pkg may be nil when the
// pipeline never fetched metadata; domain attributes are omitted then.
func (s *Service) resourceEntity(base string, g *GroupDef, name string, pkg *upstream.Package) Entity {
	xid := xregistry.ResourceXID(g.Type, g.ID, g.ResourceType, name)
	if pkg != nil {
		s.observe(xid, pkg)
	}
	e := s.common(base, xid)
	self := xregistry.Self(base, xid)
	e[singularOf(g.ResourceType)+"id"] = name
	e["name"] = name
	e["versionsurl"] = self + "/versions"
	e["metaurl"] = self + "/meta"
	if pkg != nil {
		if pkg.Description != "" {
			e["description"] = pkg.Description
		}
		if pkg.License != "" {
			e["license"] = pkg.License
		}
		if pkg.Homepage != "" {
			e["homepage"] = pkg.Homepage
		}
		if pkg.Repository != "" {
			e["repository"] = pkg.Repository
		}
		if pkg.Author != "" {
			e["author"] = pkg.Author
		}
		if len(pkg.Keywords) > 0 {
			e["keywords"] = pkg.Keywords
		}
		e["versionscount"] = len(pkg.Versions)
		if pkg.DefaultVersion != "" {
			e["defaultversionid"] = pkg.DefaultVersion
			e["defaultversionurl"] = self + "/versions/" + pkg.DefaultVersion
		}
	}
	return e
}

// metaEntity builds the stripped meta projection of a resource.
func (s *Service) metaEntity(base string, g *GroupDef, name string, pkg *upstream.Package, flags metaFlags) Entity {
	rxid := xregistry.ResourceXID(g.Type, g.ID, g.ResourceType, name)
	if pkg != nil {
		s.observe(rxid, pkg)
	}
	xid := rxid + "/meta"
	e := Entity{
		"xid":        xid,
		"self":       xregistry.Self(base, xid),
		"epoch":      s.State.Epoch(rxid),
		"createdat":  xregistry.Timestamp(s.State.CreatedAt(rxid)),
		"modifiedat": xregistry.Timestamp(s.State.ModifiedAt(rxid)),
		"readonly":   true,
	}
	e["compatibility"] = "none"
	if pkg != nil && pkg.DefaultVersion != "" {
		if !flags.noDefaultVersionID {
			e["defaultversionid"] = pkg.DefaultVersion
			e["defaultversionurl"] = xregistry.Self(base, rxid) + "/versions/" + pkg.DefaultVersion
		}
		if !flags.noDefaultVersionSticky {
			e["defaultversionsticky"] = false
		}
	}
	return e
}

type metaFlags struct {
	noDefaultVersionID     bool
	noDefaultVersionSticky bool
}

// versionEntity builds one version document.
func (s *Service) versionEntity(base string, g *GroupDef, name string, v *upstream.PackageVersion) Entity {
	xid := xregistry.VersionXID(g.Type, g.ID, g.ResourceType, name, v.Version)
	e := s.common(base, xid)
	e["versionid"] = v.Version
	e["name"] = name
	if v.Description != "" {
		e["description"] = v.Description
	}
	if v.License != "" {
		e["license"] = v.License
	}
	return e
}

// modelDocument builds the schema fragment declaring this backend's groups
// and resources.
func (s *Service) modelDocument() Entity {
	groups := make(map[string]any)
	for _, g := range s.Groups {
		if _, done := groups[g.Type]; done {
			continue
		}
		groups[g.Type] = map[string]any{
			"plural":   g.Type,
			"singular": singularOf(g.Type),
			"resources": map[string]any{
				g.ResourceType: map[string]any{
					"plural":    g.ResourceType,
					"singular":  singularOf(g.ResourceType),
					"maxversions": 0,
					"hasdocument": false,
				},
			},
		}
	}
	return Entity{"groups": groups}
}

// capabilitiesDocument builds the capabilities vector set.
func (s *Service) capabilitiesDocument() Entity {
	return Entity{
		"apis": []string{"/capabilities", "/export", "/model"},
		"flags": []string{
			"doc", "epoch", "filter", "inline", "limit", "offset",
			"sort", "specversion",
		},
		"mutable":      []string{},
		"pagination":   true,
		"schemas":      []string{"xRegistry-json/" + xregistry.SpecVersion},
		"specversions": []string{xregistry.SpecVersion},
		"versionmodes": []string{"manual"},
	}
}

// singularOf derives the singular form of a plural type name.
func singularOf(plural string) string {
	if len(plural) > 3 && plural[len(plural)-3:] == "ies" {
		return plural[:len(plural)-3] + "y"
	}
	if len(plural) > 1 && plural[len(plural)-1] == 's' {
		return plural[:len(plural)-1]
	}
	return plural
}
