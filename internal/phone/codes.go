package phone

// callingCodes maps international calling-code prefixes to country names.
// Order here is irrelevant; New sorts a copy longest prefix first.
var callingCodes = []Country{
	// North American Numbering Plan members with their own area prefixes.
	{"1242", "Bahamas"}, {"1246", "Barbados"}, {"1264", "Anguilla"}, {"1268", "Antigua and Barbuda"},
	{"1284", "British Virgin Islands"}, {"1340", "US Virgin Islands"}, {"1345", "Cayman Islands"},
	{"1441", "Bermuda"}, {"1473", "Grenada"}, {"1649", "Turks and Caicos"}, {"1664", "Montserrat"},
	{"1670", "Northern Mariana Islands"}, {"1671", "Guam"}, {"1684", "American Samoa"},
	{"1721", "Sint Maarten"}, {"1758", "Saint Lucia"}, {"1767", "Dominica"},
	{"1784", "Saint Vincent and the Grenadines"}, {"1787", "Puerto Rico"}, {"1809", "Dominican Republic"},
	{"1829", "Dominican Republic"}, {"1849", "Dominican Republic"}, {"1868", "Trinidad and Tobago"},
	{"1869", "Saint Kitts and Nevis"}, {"1876", "Jamaica"}, {"1939", "Puerto Rico"},

	// Africa
	{"20", "Egypt"}, {"211", "South Sudan"}, {"212", "Morocco"}, {"213", "Algeria"}, {"216", "Tunisia"},
	{"218", "Libya"}, {"220", "Gambia"}, {"221", "Senegal"}, {"222", "Mauritania"}, {"223", "Mali"},
	{"224", "Guinea"}, {"225", "Ivory Coast"}, {"226", "Burkina Faso"}, {"227", "Niger"}, {"228", "Togo"},
	{"229", "Benin"}, {"230", "Mauritius"}, {"231", "Liberia"}, {"232", "Sierra Leone"}, {"233", "Ghana"},
	{"234", "Nigeria"}, {"235", "Chad"}, {"236", "Central African Republic"}, {"237", "Cameroon"},
	{"238", "Cape Verde"}, {"239", "Sao Tome and Principe"}, {"240", "Equatorial Guinea"}, {"241", "Gabon"},
	{"242", "Republic of the Congo"}, {"243", "DR Congo"}, {"244", "Angola"}, {"245", "Guinea-Bissau"},
	{"248", "Seychelles"}, {"249", "Sudan"}, {"250", "Rwanda"}, {"251", "Ethiopia"}, {"252", "Somalia"},
	{"253", "Djibouti"}, {"254", "Kenya"}, {"255", "Tanzania"}, {"256", "Uganda"}, {"257", "Burundi"},
	{"258", "Mozambique"}, {"260", "Zambia"}, {"261", "Madagascar"}, {"262", "Reunion"}, {"263", "Zimbabwe"},
	{"264", "Namibia"}, {"265", "Malawi"}, {"266", "Lesotho"}, {"267", "Botswana"}, {"268", "Eswatini"},
	{"269", "Comoros"}, {"27", "South Africa"}, {"290", "Saint Helena"}, {"291", "Eritrea"},

	// Europe
	{"30", "Greece"}, {"31", "Netherlands"}, {"32", "Belgium"}, {"33", "France"}, {"34", "Spain"},
	{"350", "Gibraltar"}, {"351", "Portugal"}, {"352", "Luxembourg"}, {"353", "Ireland"}, {"354", "Iceland"},
	{"355", "Albania"}, {"356", "Malta"}, {"357", "Cyprus"}, {"358", "Finland"}, {"359", "Bulgaria"},
	{"36", "Hungary"}, {"370", "Lithuania"}, {"371", "Latvia"}, {"372", "Estonia"}, {"373", "Moldova"},
	{"374", "Armenia"}, {"375", "Belarus"}, {"376", "Andorra"}, {"377", "Monaco"}, {"378", "San Marino"},
	{"380", "Ukraine"}, {"381", "Serbia"}, {"382", "Montenegro"}, {"383", "Kosovo"}, {"385", "Croatia"},
	{"386", "Slovenia"}, {"387", "Bosnia and Herzegovina"}, {"389", "North Macedonia"}, {"39", "Italy"},
	{"40", "Romania"}, {"41", "Switzerland"}, {"420", "Czech Republic"}, {"421", "Slovakia"},
	{"423", "Liechtenstein"}, {"43", "Austria"}, {"44", "United Kingdom"}, {"45", "Denmark"},
	{"46", "Sweden"}, {"47", "Norway"}, {"48", "Poland"}, {"49", "Germany"},

	// Americas
	{"1", "United States/Canada"}, {"51", "Peru"}, {"52", "Mexico"}, {"53", "Cuba"}, {"54", "Argentina"},
	{"55", "Brazil"}, {"56", "Chile"}, {"57", "Colombia"}, {"58", "Venezuela"}, {"501", "Belize"},
	{"502", "Guatemala"}, {"503", "El Salvador"}, {"504", "Honduras"}, {"505", "Nicaragua"},
	{"506", "Costa Rica"}, {"507", "Panama"}, {"509", "Haiti"}, {"591", "Bolivia"}, {"592", "Guyana"},
	{"593", "Ecuador"}, {"595", "Paraguay"}, {"597", "Suriname"}, {"598", "Uruguay"},

	// Asia and Oceania
	{"60", "Malaysia"}, {"61", "Australia"}, {"62", "Indonesia"}, {"63", "Philippines"},
	{"64", "New Zealand"}, {"65", "Singapore"}, {"66", "Thailand"}, {"670", "Timor-Leste"},
	{"673", "Brunei"}, {"675", "Papua New Guinea"}, {"676", "Tonga"}, {"679", "Fiji"}, {"685", "Samoa"},
	{"7", "Russia/Kazakhstan"}, {"81", "Japan"}, {"82", "South Korea"}, {"84", "Vietnam"},
	{"850", "North Korea"}, {"852", "Hong Kong"}, {"853", "Macau"}, {"855", "Cambodia"},
	{"856", "Laos"}, {"86", "China"}, {"880", "Bangladesh"}, {"886", "Taiwan"}, {"90", "Turkey"},
	{"91", "India"}, {"92", "Pakistan"}, {"93", "Afghanistan"}, {"94", "Sri Lanka"}, {"95", "Myanmar"},
	{"960", "Maldives"}, {"961", "Lebanon"}, {"962", "Jordan"}, {"963", "Syria"}, {"964", "Iraq"},
	{"965", "Kuwait"}, {"966", "Saudi Arabia"}, {"967", "Yemen"}, {"968", "Oman"}, {"970", "Palestine"},
	{"971", "United Arab Emirates"}, {"972", "Israel"}, {"973", "Bahrain"}, {"974", "Qatar"},
	{"975", "Bhutan"}, {"976", "Mongolia"}, {"977", "Nepal"}, {"98", "Iran"}, {"992", "Tajikistan"},
	{"993", "Turkmenistan"}, {"994", "Azerbaijan"}, {"995", "Georgia"}, {"996", "Kyrgyzstan"},
	{"998", "Uzbekistan"},
}

// noTrunkZero lists codes whose national numbers are dialed without an added
// leading zero. Italian numbers keep whatever digit follows the country code.
var noTrunkZero = map[string]bool{"39": true}
