package model

import "github.com/shopspring/decimal"

// GeoCoordinates описывает местоположение кассы GPS-координатами.
type GeoCoordinates struct {
	Longitude decimal.Decimal `json:"longitude"`
	Latitude  decimal.Decimal `json:"latitude"`
}

// PhysicalAddress описывает местоположение кассы почтовым адресом.
type PhysicalAddress struct {
	StreetName                 string `json:"streetName"`
	Municipality               string `json:"municipality"`
	BuildingNumber             string `json:"buildingNumber,omitempty"`
	PostalCode                 string `json:"postalCode"`
	PropertyRegistrationNumber int64  `json:"propertyRegistrationNumber,omitempty"`
}

// OtherLocation описывает местоположение произвольным текстом, например номером автомобиля.
type OtherLocation struct {
	Text string `json:"text"`
}

// Location содержит ровно одну из трёх форм местоположения.
type Location struct {
	GPS     *GeoCoordinates  `json:"gps,omitempty"`
	Address *PhysicalAddress `json:"address,omitempty"`
	Other   *OtherLocation   `json:"other,omitempty"`
}

// GPSLocation создаёт местоположение по координатам.
func GPSLocation(longitude, latitude decimal.Decimal) Location {
	return Location{GPS: &GeoCoordinates{Longitude: longitude, Latitude: latitude}}
}

// AddressLocation создаёт местоположение по адресу.
func AddressLocation(addr PhysicalAddress) Location {
	return Location{Address: &addr}
}

// OtherTextLocation создаёт местоположение в свободной форме.
func OtherTextLocation(text string) Location {
	return Location{Other: &OtherLocation{Text: text}}
}

// Shapes возвращает количество заполненных форм местоположения.
func (l Location) Shapes() int {
	n := 0
	if l.GPS != nil {
		n++
	}
	if l.Address != nil {
		n++
	}
	if l.Other != nil {
		n++
	}
	return n
}

// CashRegisterLocation связывает местоположение с кодом кассы.
type CashRegisterLocation struct {
	CashRegisterCode string   `json:"cashRegisterCode"`
	Location         Location `json:"location"`
}

// Kind возвращает тип документа.
func (l *CashRegisterLocation) Kind() DocumentKind { return KindLocation }

// CashRegister возвращает код кассы.
func (l *CashRegisterLocation) CashRegister() string { return l.CashRegisterCode }
