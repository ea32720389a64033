package workflow

import "fmt"

// StockLocationFromPickupPoint maps a feed pickup-point id to the stock
// location it draws from. The marketplace names pickup points with the
// location code in the trailing 3 characters (e.g. "PP_4012PP5" fulfills
// from "PP5").
func StockLocationFromPickupPoint(pickupPointId string) (string, error) {
	if len(pickupPointId) < 3 {
		return "", &ValidationError{
			Reason: fmt.Sprintf("pickup point id %q is too short to name a stock location", pickupPointId),
		}
	}
	return pickupPointId[len(pickupPointId)-3:], nil
}
