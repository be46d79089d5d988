package validation

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

const (
	coordinatePlaces       = 6
	maxOtherLocationLength = 100
	maxAddressFieldLength  = 100
	postalCodeLength       = 5
)

var (
	maxLatitude  = decimal.NewFromInt(90)
	maxLongitude = decimal.NewFromInt(180)
)

// ValidateLocation проверяет местоположение кассы: оно должно быть задано ровно в одной форме.
func ValidateLocation(l *model.CashRegisterLocation) Result {
	var res Result
	if l == nil {
		res.add("location", "is required")
		return res
	}

	checkRegisterCode(&res, l.CashRegisterCode)

	switch l.Location.Shapes() {
	case 0:
		res.add("location", "one of gps, address or other must be set")
		return res
	case 1:
	default:
		res.add("location", "only one of gps, address or other may be set")
		return res
	}

	switch {
	case l.Location.GPS != nil:
		checkGPS(&res, *l.Location.GPS)
	case l.Location.Address != nil:
		checkAddress(&res, *l.Location.Address)
	case l.Location.Other != nil:
		checkText(&res, "location.other.text", l.Location.Other.Text, maxOtherLocationLength, true)
	}

	return res
}

func checkGPS(res *Result, g model.GeoCoordinates) {
	if g.Latitude.Abs().GreaterThan(maxLatitude) {
		res.add("location.gps.latitude", "must be between -90 and 90")
	}
	if g.Longitude.Abs().GreaterThan(maxLongitude) {
		res.add("location.gps.longitude", "must be between -180 and 180")
	}
	if !hasAtMostPlaces(g.Latitude, coordinatePlaces) {
		res.add("location.gps.latitude", "must have at most %d decimal places", coordinatePlaces)
	}
	if !hasAtMostPlaces(g.Longitude, coordinatePlaces) {
		res.add("location.gps.longitude", "must have at most %d decimal places", coordinatePlaces)
	}
}

func checkAddress(res *Result, a model.PhysicalAddress) {
	if a.StreetName == "" && a.Municipality == "" {
		res.add("location.address", "street name or municipality is required")
	}
	checkText(res, "location.address.streetName", a.StreetName, maxAddressFieldLength, false)
	checkText(res, "location.address.municipality", a.Municipality, maxAddressFieldLength, false)
	checkText(res, "location.address.buildingNumber", a.BuildingNumber, maxAddressFieldLength, false)

	if a.BuildingNumber == "" && a.PropertyRegistrationNumber == 0 {
		res.add("location.address", "building number or property registration number is required")
	}
	if a.PropertyRegistrationNumber < 0 {
		res.add("location.address.propertyRegistrationNumber", "must be positive")
	}

	postal := strings.ReplaceAll(a.PostalCode, " ", "")
	if postal == "" {
		res.add("location.address.postalCode", "is required")
		return
	}
	if len(postal) != postalCodeLength || strings.Trim(postal, "0123456789") != "" {
		res.add("location.address.postalCode", "must consist of %d digits", postalCodeLength)
	}
}
