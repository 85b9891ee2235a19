package vending

import "context"

// SeedData is the initial catalog and cash loaded into an empty store.
type SeedData struct {
	Drinks []Drink
	Drawer MoneyMap
	Wallet MoneyMap
}

// Seeder loads SeedData when the store has no drinks yet.
// Stores that already hold data are left alone.
type Seeder interface {
	Seed(ctx context.Context, data SeedData) error
}

// DefaultSeed is the demo machine: a few hot and cold drinks, a drawer with
// ten of every coin and a handful of bills, and a wallet to shop with.
func DefaultSeed() SeedData {
	return SeedData{
		Drinks: []Drink{
			{Name: "Cola", Category: CategoryCold, Cost: 150, Stock: 10},
			{Name: "Green Tea", Category: CategoryHot, Cost: 130, Stock: 10},
			{Name: "Coffee", Category: CategoryHot, Cost: 170, Stock: 8},
			{Name: "Mineral Water", Category: CategoryCold, Cost: 100, Stock: 12},
			{Name: "Orange Juice", Category: CategoryCold, Cost: 200, Stock: 5},
		},
		Drawer: MoneyMap{1: 10, 5: 10, 10: 10, 50: 10, 100: 10, 500: 10, 1000: 10, 5000: 2, 10000: 0},
		Wallet: MoneyMap{1: 5, 5: 5, 10: 10, 50: 5, 100: 10, 500: 4, 1000: 3, 5000: 1, 10000: 1},
	}
}
