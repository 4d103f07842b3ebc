package domain

// Dataset is an imported set of visits and the customers they belong to.
// It is immutable once built.
type Dataset struct {
	visits    []Visit
	customers []Customer
	byID      map[string]int
}

// NewDataset builds a dataset. Customers keep the given order; a repeated
// customer id keeps its first entry.
func NewDataset(customers []Customer, visits []Visit) *Dataset {
	d := &Dataset{
		visits:    make([]Visit, len(visits)),
		customers: make([]Customer, 0, len(customers)),
		byID:      make(map[string]int, len(customers)),
	}
	copy(d.visits, visits)
	for _, c := range customers {
		if _, ok := d.byID[c.ID]; ok {
			continue
		}
		d.byID[c.ID] = len(d.customers)
		d.customers = append(d.customers, c)
	}
	return d
}

// Visits returns a copy of the visit records.
func (d *Dataset) Visits() []Visit {
	out := make([]Visit, len(d.visits))
	copy(out, d.visits)
	return out
}

// FindAll returns customers in directory order.
func (d *Dataset) FindAll() []Customer {
	out := make([]Customer, len(d.customers))
	copy(out, d.customers)
	return out
}

// FindByID returns the customer with the given id.
func (d *Dataset) FindByID(id string) (Customer, bool) {
	i, ok := d.byID[id]
	if !ok {
		return Customer{}, false
	}
	return d.customers[i], true
}

// VisitCount returns the number of visit records.
func (d *Dataset) VisitCount() int {
	return len(d.visits)
}

// CustomerCount returns the number of customers.
func (d *Dataset) CustomerCount() int {
	return len(d.customers)
}
