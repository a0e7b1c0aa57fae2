package analysisworker

import "github.com/fairyhunter13/codegraph-pipeline/internal/domain"

var validPOITypes = map[string]domain.POIType{
	"File":     domain.POITypeFile,
	"Class":    domain.POITypeClass,
	"Function": domain.POITypeFunction,
	"Method":   domain.POITypeMethod,
	"Variable": domain.POITypeVariable,
	"Import":   domain.POITypeImport,
	"Export":   domain.POITypeExport,
	"Database": domain.POITypeDatabase,
	"Table":    domain.POITypeTable,
	"View":     domain.POITypeView,
}

var validRelationshipTypes = map[string]domain.RelationshipType{
	"CALLS":         domain.RelationshipCalls,
	"IMPORTS":       domain.RelationshipImports,
	"INHERITS_FROM": domain.RelationshipInheritsFrom,
	"IMPLEMENTS":    domain.RelationshipImplements,
	"USES":          domain.RelationshipUses,
	"EXPORTS":       domain.RelationshipExports,
	"HAS_METHOD":    domain.RelationshipHasMethod,
}
