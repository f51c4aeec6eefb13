// Package odm maps dynamic document instances onto a document store.
//
// A DB pairs a schema.Registry with a driver.Driver and exposes typed
// CRUD operations over Doc instances:
//
//	reg := schema.NewRegistry()
//	reg.MustRegister("user", schema.TypeDef{
//		Collection: "users",
//		Fields: []schema.Field{
//			{Name: "email", Kind: schema.KindString, Required: true, Format: schema.FormatEmail},
//			{Name: "isActive", Kind: schema.KindBool, Default: true},
//			{Name: "createdAt", Kind: schema.KindTime, Default: schema.Now},
//		},
//	})
//
//	db := odm.Open(reg, memory.New())
//	u := odm.New("user", map[string]any{"email": "ada@example.com"})
//	if _, err := db.Save(ctx, u); err != nil { ... }
//
// Writes issued inside DB.RunInTransaction or DB.RunInBatch join the
// ambient unit carried on the context and commit together; no transaction
// handle threads through call signatures. Relation fields hold
// *driver.Ref pointers at rest and resolve to nested *Doc instances via
// Populate or the eager-loading declarations on the type.
package odm
