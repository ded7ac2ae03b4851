// Package entity enumerates the record classes the engine knows how to
// migrate. Each kind carries its source and destination table identifiers
// as data, so an unknown entity type can only occur at the string boundary
// (ParseKind), never inside the engine.
package entity

import "fmt"

// Kind identifies a logical class of business record.
type Kind int

const (
	Offices Kind = iota
	Employees
	Customers
	Products
	Orders
	OrderItems
	Payments
)

// Kinds lists every known entity kind in migration order.
// Parent tables come before children so foreign keys resolve on replay.
var Kinds = []Kind{Offices, Employees, Customers, Products, Orders, OrderItems, Payments}

// defaultComplexity applies to kinds without a tuned multiplier.
const defaultComplexity = 1.5

type tableMapping struct {
	name        string
	sourceTable string
	destTable   string
	idColumn    string  // source primary key column
	modColumn   string  // source last-modified column, empty if the table has none
	complexity  float64 // processing-time multiplier relative to a flat copy
}

var mappings = map[Kind]tableMapping{
	Offices:    {name: "offices", sourceTable: "Offices", destTable: "offices", idColumn: "OfficeID", modColumn: "ModifiedDate", complexity: 1.0},
	Employees:  {name: "employees", sourceTable: "Employees", destTable: "employees", idColumn: "EmployeeID", modColumn: "ModifiedDate", complexity: 1.2},
	Customers:  {name: "customers", sourceTable: "Customers", destTable: "customers", idColumn: "CustomerID", modColumn: "ModifiedDate", complexity: 1.3},
	Products:   {name: "products", sourceTable: "Products", destTable: "products", idColumn: "ProductID", modColumn: "ModifiedDate", complexity: 1.0},
	Orders:     {name: "orders", sourceTable: "Orders", destTable: "orders", idColumn: "OrderID", modColumn: "ModifiedDate", complexity: 2.0},
	OrderItems: {name: "order_items", sourceTable: "OrderDetails", destTable: "order_items", idColumn: "OrderDetailID", complexity: 2.5},
	Payments:   {name: "payments", sourceTable: "Payments", destTable: "payments", idColumn: "PaymentID", modColumn: "ModifiedDate", complexity: 1.8},
}

// String returns the canonical lowercase name of the kind.
func (k Kind) String() string {
	if m, ok := mappings[k]; ok {
		return m.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// SourceTable returns the source database table for this kind.
func (k Kind) SourceTable() string { return mappings[k].sourceTable }

// DestTable returns the destination database table for this kind.
func (k Kind) DestTable() string { return mappings[k].destTable }

// IDColumn returns the source primary key column for this kind.
func (k Kind) IDColumn() string { return mappings[k].idColumn }

// ModifiedColumn returns the source last-modified column, or "" when the
// table carries no modification timestamp.
func (k Kind) ModifiedColumn() string { return mappings[k].modColumn }

// Complexity returns the per-kind processing-time multiplier used for
// estimates. Kinds without a tuned value use the default of 1.5.
func (k Kind) Complexity() float64 {
	m, ok := mappings[k]
	if !ok || m.complexity == 0 {
		return defaultComplexity
	}
	return m.complexity
}

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	_, ok := mappings[k]
	return ok
}

// ParseKind resolves an entity type name to its Kind. The returned error
// is a configuration error: entity names arrive from config files and CLI
// flags, never from migration data.
func ParseKind(name string) (Kind, error) {
	for k, m := range mappings {
		if m.name == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown entity type %q", name)
}

// ParseKinds resolves a list of entity type names, failing on the first
// unknown name. An empty list selects all known kinds.
func ParseKinds(names []string) ([]Kind, error) {
	if len(names) == 0 {
		out := make([]Kind, len(Kinds))
		copy(out, Kinds)
		return out, nil
	}
	out := make([]Kind, 0, len(names))
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}
