// Package schema holds fireodm's document type metadata: storage
// locations, declared fields with constraints, relations and
// subcollections.
//
// Types are registered explicitly, once, at startup:
//
//	reg := schema.NewRegistry()
//	reg.MustRegister("user", schema.TypeDef{
//	    Collection: "users",
//	    Fields: []schema.Field{
//	        {Name: "name", Kind: schema.KindString, Required: true},
//	        {Name: "email", Kind: schema.KindString, Format: schema.FormatEmail},
//	        {Name: "isActive", Kind: schema.KindBool, Default: true},
//	        {Name: "createdAt", Kind: schema.KindTime, Default: schema.Now},
//	    },
//	    Relations: []schema.Relation{
//	        {FieldName: "company", TargetType: "company"},
//	    },
//	})
//
// A TypeDef may name a Base type; Resolve merges the ancestry chain with
// declarations closer to the concrete type winning. Resolution results are
// cached and invalidated when a type is re-registered.
//
// Validate checks a storage-ready plain document against the declared
// shape and returns structured per-field issues. It is run by the CRUD
// engine before any write reaches a driver.
package schema
