package authz

// SchemaChange is the closed set of decoded catalog changes. The interface
// is sealed so the processor's dispatch stays exhaustive: a new kind cannot
// appear without a matching arm.
type SchemaChange interface {
	schemaChange()
}

// DatabaseCreated records creation of a database
type DatabaseCreated struct {
	Name     string
	Location string
}

// DatabaseDropped records destruction of a database
type DatabaseDropped struct {
	Name string
}

// TableCreated records creation of a table
type TableCreated struct {
	Db       string
	Table    string
	Location string
}

// TableDropped records destruction of a table
type TableDropped struct {
	Db    string
	Table string
}

// TableAltered records an alter-table event, carrying the table identity
// before and after. Identical identities mean the alter carried no
// authorization-relevant change.
type TableAltered struct {
	OldDb    string
	OldTable string
	NewDb    string
	NewTable string
}

// PartitionsAdded records new partitions of a table. Locations holds the
// storage location of each added partition that has one.
type PartitionsAdded struct {
	Db        string
	Table     string
	Locations []string
}

// PartitionAltered records an alter-partition event with the storage
// location before and after. An unchanged location means the alter carried
// no authorization-relevant change.
type PartitionAltered struct {
	Db          string
	Table       string
	OldLocation string
	NewLocation string
}

// PartitionsDropped records dropped partitions of a table
type PartitionsDropped struct {
	Db        string
	Table     string
	Locations []string
}

func (DatabaseCreated) schemaChange()   {}
func (DatabaseDropped) schemaChange()   {}
func (TableCreated) schemaChange()      {}
func (TableDropped) schemaChange()      {}
func (TableAltered) schemaChange()      {}
func (PartitionsAdded) schemaChange()   {}
func (PartitionAltered) schemaChange()  {}
func (PartitionsDropped) schemaChange() {}
